package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"regionmaster/internal/region"
	"regionmaster/internal/rpc"
	"regionmaster/internal/servers"
)

const defaultAddr = "127.0.0.1:16000"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "assign":
		assignCmd(os.Args[2:])
	case "unassign":
		unassignCmd(os.Args[2:])
	case "move":
		moveCmd(os.Args[2:])
	case "balance":
		balanceCmd(os.Args[2:])
	case "rit":
		ritCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "table":
		tableCmd(os.Args[2:])
	case "health":
		healthCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `regionmaster CLI

Usage:
  regionmaster-cli assign   --addr <host:port> --region <encoded> [--force]
  regionmaster-cli unassign --addr <host:port> --region <encoded>
  regionmaster-cli move     --addr <host:port> --region <encoded> --dest <host,port,startcode>
  regionmaster-cli balance  --addr <host:port>
  regionmaster-cli rit      --addr <host:port>
  regionmaster-cli report   --addr <host:port> --server <host,port,startcode> [--regions n]
  regionmaster-cli table    enable|disable --addr <host:port> --name <table>
  regionmaster-cli health   --addr <host:port>
`)
}

func fail(op string, err error) {
	fmt.Fprintf(os.Stderr, "%s error: %v\n", op, err)
	os.Exit(1)
}

// withClient dials addr and runs fn under a 5s deadline.
func withClient(addr string, fn func(ctx context.Context, c *rpc.AdminClient) error) error {
	client, err := rpc.NewAdminClient(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fn(ctx, client)
}

func requireFlag(name, value string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "--%s is required\n", name)
		os.Exit(1)
	}
}

func assignCmd(args []string) {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	encoded := fs.String("region", "", "encoded region name")
	force := fs.Bool("force", false, "discard the current plan")
	_ = fs.Parse(args)
	requireFlag("region", *encoded)

	err := withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		return c.Assign(ctx, *encoded, *force)
	})
	if err != nil {
		fail("assign", err)
	}
	fmt.Println("OK")
}

func unassignCmd(args []string) {
	fs := flag.NewFlagSet("unassign", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	encoded := fs.String("region", "", "encoded region name")
	_ = fs.Parse(args)
	requireFlag("region", *encoded)

	err := withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		return c.Unassign(ctx, *encoded)
	})
	if rpc.IsRegionNotOnlineError(err) {
		fmt.Println("region is not online")
		return
	}
	if err != nil {
		fail("unassign", err)
	}
	fmt.Println("OK")
}

func moveCmd(args []string) {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	encoded := fs.String("region", "", "encoded region name")
	dest := fs.String("dest", "", "destination server host,port,startcode")
	_ = fs.Parse(args)
	requireFlag("region", *encoded)
	requireFlag("dest", *dest)
	sn, err := region.ParseServerName(*dest)
	if err != nil {
		fail("move", err)
	}

	err = withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		return c.Move(ctx, *encoded, sn)
	})
	if err != nil {
		fail("move", err)
	}
	fmt.Println("OK")
}

func balanceCmd(args []string) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	_ = fs.Parse(args)

	err := withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		moved, err := c.Balance(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("moves started: %d\n", moved)
		return nil
	})
	if err != nil {
		fail("balance", err)
	}
}

func ritCmd(args []string) {
	fs := flag.NewFlagSet("rit", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	_ = fs.Parse(args)

	err := withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		states, err := c.RegionsInTransition(ctx)
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("(no regions in transition)")
			return nil
		}
		for _, rs := range states {
			fmt.Println(rs.String())
		}
		return nil
	})
	if err != nil {
		fail("rit", err)
	}
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	server := fs.String("server", "", "reporting server host,port,startcode")
	regions := fs.Int("regions", 0, "number of regions hosted")
	_ = fs.Parse(args)
	requireFlag("server", *server)
	sn, err := region.ParseServerName(*server)
	if err != nil {
		fail("report", err)
	}

	err = withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		return c.ReportServer(ctx, sn, servers.Load{Regions: *regions})
	})
	if err != nil {
		fail("report", err)
	}
	fmt.Println("OK")
}

func tableCmd(args []string) {
	if len(args) < 1 || (args[0] != "enable" && args[0] != "disable") {
		usage()
		os.Exit(1)
	}
	enable := args[0] == "enable"
	fs := flag.NewFlagSet("table "+args[0], flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	name := fs.String("name", "", "table name")
	_ = fs.Parse(args[1:])
	requireFlag("name", *name)

	err := withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		return c.SetTableState(ctx, *name, enable)
	})
	if err != nil {
		fail("table "+args[0], err)
	}
	fmt.Println("OK")
}

func healthCmd(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "master gRPC address")
	_ = fs.Parse(args)

	err := withClient(*addr, func(ctx context.Context, c *rpc.AdminClient) error {
		st, err := c.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Println(st.String())
		return nil
	})
	if err != nil {
		fail("health", err)
	}
}
