package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/AliyahZombie/Plotrix/internal/mcp"
)

// runMCP inspects the configured MCP servers: "status" shows health
// after a sync, "sync" forces a refresh, "tools" lists discovered tools.
// An optional server name narrows each subcommand.
func runMCP(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: plotrix mcp status|sync|tools [server]")
	}
	sub := args[0]
	var server string
	if len(args) > 1 {
		server = args[1]
	}
	switch sub {
	case "status", "sync", "tools":
	default:
		return fmt.Errorf("unknown mcp command: %s", sub)
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg, opts)
	if err != nil {
		return err
	}
	if len(cfg.MCP.Servers) == 0 {
		return fmt.Errorf("no MCP servers configured")
	}

	mgr := mcp.NewManager(cfg.MCP, logger)
	defer mgr.Close()

	if err := mgr.RefreshTools(ctx, server); err != nil {
		return err
	}

	switch sub {
	case "tools":
		tools := mgr.Tools(ctx, server)
		if opts.outputFmt == "json" {
			return writeJSON(stdout, tools)
		}
		printTools(stdout, tools)
	default:
		status := mgr.Status()
		if server != "" {
			status = map[string]mcp.ServerStatus{server: status[server]}
		}
		if opts.outputFmt == "json" {
			return writeJSON(stdout, status)
		}
		printStatus(stdout, cfg.MCP.Names(), status)
	}
	return nil
}

func printStatus(w io.Writer, names []string, status map[string]mcp.ServerStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tENABLED\tTRANSPORT\tTOOLS\tSTATE")
	for _, name := range names {
		st, ok := status[name]
		if !ok {
			continue
		}
		transport := st.Transport
		if st.ActiveTransport != "" {
			transport = st.ActiveTransport
		}
		tools := "-"
		if st.ToolCount != nil {
			tools = fmt.Sprint(*st.ToolCount)
		}
		state := "ok"
		switch {
		case !st.Enabled:
			state = "disabled"
		case st.LastError != "":
			state = "error: " + st.LastError
		case !st.Initialized:
			state = "not initialized"
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%s\n", name, st.Enabled, transport, tools, state)
	}
	_ = tw.Flush()
}

func printTools(w io.Writer, tools []mcp.Tool) {
	if len(tools) == 0 {
		fmt.Fprintln(w, "no tools")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.PublicName, t.Server, t.Description)
	}
	_ = tw.Flush()
}
