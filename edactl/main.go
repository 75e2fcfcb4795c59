package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"edaconnect.io/edaconnect/eda"
)

const EdaCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `EDA connect control.

Connection settings come from EDA_* environment variables
(EDA_BASE_URL, EDA_USERNAME, EDA_PASSWORD, ...), optionally loaded
from an env file. A missing EDA_PASSWORD is prompted for.

Usage:
    edactl login [--env=<env>]
    edactl whoami [--env=<env>]
    edactl version [--env=<env>]
    edactl namespaces [--env=<env>]
    edactl streams [--env=<env>]
    edactl tail <stream> [--env=<env>] [--message_count=<message_count>]
    edactl query <eql> [--env=<env>] [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --env=<env>                      Load environment from this file.
    --message_count=<message_count>  Print this many frames then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], EdaCtlVersion)
	if err != nil {
		panic(err)
	}

	if envFile, err := opts.String("--env"); err == nil && envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			Err.Fatalf("Could not load env file (%s).", err)
		}
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if version_, _ := opts.Bool("version"); version_ {
		version(opts)
	} else if namespaces_, _ := opts.Bool("namespaces"); namespaces_ {
		namespaces(opts)
	} else if streams_, _ := opts.Bool("streams"); streams_ {
		streams(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if query_, _ := opts.Bool("query"); query_ {
		query(opts)
	}
}

func newClient(ctx context.Context) *eda.Client {
	config, err := eda.ConfigFromEnv()
	if err != nil {
		Err.Fatalf("Bad config (%s).", err)
	}
	if config.Password == "" {
		fmt.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			Err.Fatalf("Could not read password (%s).", err)
		}
		config.Password = string(passwordBytes)
	}
	return eda.NewClientWithDefaults(ctx, config)
}

func login(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx)
	defer client.Close()

	if err := client.Auth().Authenticate(cancelCtx); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("ok")
}

func whoami(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx)
	defer client.Close()

	if err := client.Auth().Authenticate(cancelCtx); err != nil {
		Err.Fatalf("%s", err)
	}
	claims, err := client.Auth().Claims()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s (token expires %s)", claims.Username, claims.ExpiresAt)
}

func version(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx)
	defer client.Close()

	if err := client.Connect(cancelCtx); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", client.Spec().Version())
}

func namespaces(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx)
	defer client.Close()

	if err := client.Connect(cancelCtx); err != nil {
		Err.Fatalf("%s", err)
	}
	names, err := client.Namespaces(cancelCtx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, name := range names {
		Out.Printf("%s", name)
	}
}

func streams(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx)
	defer client.Close()

	if err := client.Connect(cancelCtx); err != nil {
		Err.Fatalf("%s", err)
	}
	for category, endpoints := range client.Spec().StreamGroups() {
		Out.Printf("%s:", category)
		for _, endpoint := range endpoints {
			Out.Printf("    %s (%s)", endpoint.Stream, endpoint.Path)
		}
	}
}

func tail(opts docopt.Opts) {
	streamName, _ := opts.String("<stream>")
	sinkFrames(opts, func(client *eda.Client, handler eda.StreamHandler) {
		client.Stream().Subscribe(streamName, handler)
	})
}

func query(opts docopt.Opts) {
	eql, _ := opts.String("<eql>")
	sinkFrames(opts, func(client *eda.Client, handler eda.StreamHandler) {
		name := client.Stream().SubscribeQuery(eql, handler)
		Err.Printf("query stream %s", name)
	})
}

func sinkFrames(opts docopt.Opts, subscribe func(client *eda.Client, handler eda.StreamHandler)) {
	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx)
	defer client.Close()

	if err := client.Connect(cancelCtx); err != nil {
		Err.Fatalf("%s", err)
	}

	frames := make(chan *eda.Frame, 64)
	subscribe(client, func(frame *eda.Frame) {
		frames <- frame
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	printed := 0
	for {
		select {
		case <-sigs:
			return
		case frame := <-frames:
			out, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			Out.Printf("%s", out)
			printed += 1
			if 0 <= messageCount && messageCount <= printed {
				return
			}
		}
	}
}
