package main

import (
	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/stdio"
	"github.com/ggoodman/agent-broker/upstream"
	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "mcp-bridge",
	Short: "Bridge a stdio MCP client to the managed MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		if rt.cfg.MCPServer == "" {
			return brokererr.Configf("SNOWFLAKE_MCP_SERVER is required for mcp-bridge")
		}
		path := upstream.MCPServerPath(rt.cfg.Database, rt.cfg.Schema, rt.cfg.MCPServer)
		err = stdio.NewHandler(rt.up, path, stdio.WithLogger(rt.log)).Serve(cmd.Context())
		if isShutdown(err) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}
