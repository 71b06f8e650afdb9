// Package main provides terraingossipctl, an operator utility for probing
// a running TerrainGossip daemon over its wire protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/terraingossip/terraingossip/internal/terrain"
	"github.com/terraingossip/terraingossip/internal/wire"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7700", "Daemon address to connect to")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("terraingossipctl version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(flag.Args()) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Args()[0]
	if err := executeCommand(command, *addr, flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("terraingossipctl - operator utility for TerrainGossip daemons")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  terraingossipctl [options] <command> [args...]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -addr <address>  Daemon address (default: 127.0.0.1:7700)")
	fmt.Println("  -version         Show version information")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ping                              Check a daemon is alive")
	fmt.Println("  route <model-family> [capabilities]  Ask routerd for a provider")
}

func executeCommand(command, addr string, args []string) error {
	switch strings.ToLower(command) {
	case "ping":
		// no arguments
	case "route":
		if len(args) == 0 {
			return fmt.Errorf("route command requires a model-family argument")
		}
	default:
		return fmt.Errorf("unknown command: %s", command)
	}

	conn, err := connect(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	codec := wire.NewCodec()

	switch strings.ToLower(command) {
	case "ping":
		return doPing(conn, codec)
	case "route":
		var capabilities uint64
		if len(args) > 1 {
			capabilities, err = strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid capabilities value %q: %w", args[1], err)
			}
		}
		return doRoute(conn, codec, args[0], capabilities)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func connect(addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func doPing(conn net.Conn, codec *wire.Codec) error {
	if err := codec.Encode(conn, wire.Ping()); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	frame, err := codec.Decode(conn)
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if frame.Type != wire.FramePong {
		return fmt.Errorf("unexpected response type: %s", frame.Type)
	}
	fmt.Println("PONG")
	return nil
}

func doRoute(conn net.Conn, codec *wire.Codec, modelFamily string, capabilities uint64) error {
	query := terrain.RouteQuery{ModelFamily: modelFamily, Capabilities: capabilities}
	payload, err := terrain.EncodeRouteQuery(query)
	if err != nil {
		return fmt.Errorf("encode route query: %w", err)
	}

	if err := codec.Encode(conn, wire.Frame{Type: wire.FrameInferenceRequest, Payload: payload}); err != nil {
		return fmt.Errorf("send route query: %w", err)
	}

	frame, err := codec.Decode(conn)
	if err != nil {
		return fmt.Errorf("read route answer: %w", err)
	}
	if frame.Type != wire.FrameInferenceResponse {
		return fmt.Errorf("unexpected response type: %s", frame.Type)
	}

	answer, err := terrain.DecodeRouteAnswer(frame.Payload)
	if err != nil {
		return fmt.Errorf("decode route answer: %w", err)
	}

	if !answer.Found {
		fmt.Printf("No provider available for model family %q\n", modelFamily)
		return nil
	}
	fmt.Printf("Provider: %x\n", answer.ProviderID[:8])
	fmt.Printf("Score:    %.4f\n", answer.Score)
	return nil
}
