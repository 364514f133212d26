package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/speech-bridge/internal/channel"
	"github.com/loqalabs/speech-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	var (
		server  string
		name    string
		timeout time.Duration
	)
	addFlags := func(fs *flag.FlagSet) {
		fs.StringVar(&server, "server", nats.DefaultURL, "NATS server URL")
		fs.StringVar(&name, "channel", "speech_recognition", "Method channel name")
		fs.DurationVar(&timeout, "timeout", 5*time.Second, "Call timeout")
	}
	callCmd := flag.NewFlagSet("call", flag.ExitOnError)
	addFlags(callCmd)
	eventsCmd := flag.NewFlagSet("events", flag.ExitOnError)
	addFlags(eventsCmd)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'call', 'events' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "call":
		_ = callCmd.Parse(os.Args[2:])
		if callCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "usage: speechctl call [flags] <method> [argument]")
			os.Exit(2)
		}
		var arg any
		if callCmd.NArg() > 1 {
			arg = callCmd.Arg(1)
		}
		if err := runCall(server, name, timeout, callCmd.Arg(0), arg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "events":
		_ = eventsCmd.Parse(os.Args[2:])
		if err := runEvents(server, name); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runCall(server, name string, timeout time.Duration, method string, arg any) error {
	conn, err := nats.Connect(server, nats.Name("speechctl"))
	if err != nil {
		return err
	}
	defer conn.Close()

	result, err := channel.NewClient(conn, name, timeout).Call(context.Background(), method, arg)
	if errors.Is(err, channel.ErrNotImplemented) {
		fmt.Println("not implemented")
		return nil
	}
	if err != nil {
		return err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runEvents(server, name string) error {
	conn, err := nats.Connect(server, nats.Name("speechctl"))
	if err != nil {
		return err
	}
	defer conn.Close()

	enc := json.NewEncoder(os.Stdout)
	sub, err := channel.NewClient(conn, name, 0).Subscribe(func(inv protocol.Invocation) {
		_ = enc.Encode(inv)
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
