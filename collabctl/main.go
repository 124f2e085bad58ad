package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/sk0ya/mindflow/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultApiUrl = "https://api.mindflow.dev"
const DefaultConnectUrl = "wss://sync.mindflow.dev"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collab sync control.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    collabctl login [--api_url=<api_url>]
        --user_auth=<user_auth>
        [--password=<password>]
    collabctl status [--connect_url=<connect_url>] --jwt=<jwt>
        [--timeout=<timeout>]
    collabctl watch [--connect_url=<connect_url>] --jwt=<jwt>
    collabctl send [--connect_url=<connect_url>] --jwt=<jwt>
        --node=<node_id>
        [--op_type=<op_type>]
        [--timeout=<timeout>]
        [<payload>]
    collabctl resolve [--connect_url=<connect_url>] --jwt=<jwt>
        [--conflict=<operation_id>]
        [--timeout=<timeout>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --user_auth=<user_auth>
    --password=<password>
    --jwt=<jwt>                      Your platform JWT.
    --node=<node_id>                 Target document node.
    --op_type=<op_type>              Operation type [default: update_node].
    --conflict=<operation_id>        Conflicting operation to drop.
    --timeout=<timeout>              Seconds to wait [default: 10].`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if resolve_, _ := opts.Bool("resolve"); resolve_ {
		resolve(opts)
	}
}

func login(opts docopt.Opts) {
	apiUrl, err := opts.String("--api_url")
	if err != nil {
		apiUrl = DefaultApiUrl
	}
	userAuth, _ := opts.String("--user_auth")

	password, err := opts.String("--password")
	if err != nil {
		Out.Printf("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			Err.Fatalf("Could not read password: %s", err)
		}
		Out.Printf("\n")
		password = string(passwordBytes)
	}

	loginArgs := map[string]string{
		"user_auth": userAuth,
		"password":  password,
	}
	loginBytes, err := json.Marshal(loginArgs)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	r, err := http.Post(
		fmt.Sprintf("%s/auth/login", apiUrl),
		"application/json",
		bytes.NewReader(loginBytes),
	)
	if err != nil {
		Err.Fatalf("Login error: %s", err)
	}
	defer r.Body.Close()

	var loginResult struct {
		ByJwt string `json:"by_jwt"`
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginResult); err != nil {
		Err.Fatalf("Bad login response: %s", err)
	}
	if loginResult.Error != "" {
		Err.Fatalf("Login error: %s", loginResult.Error)
	}
	Out.Printf("%s", loginResult.ByJwt)
}

func status(opts docopt.Opts) {
	manager, transport, sessionAuth := dial(opts)
	defer manager.Cleanup()
	defer transport.Close()

	// let the transport connect and collect a few pings
	time.Sleep(optTimeout(opts))

	state := manager.GetState()
	stats := manager.GetStats()
	Out.Printf("user:        %s", sessionAuth.UserId)
	Out.Printf("document:    %s", sessionAuth.DocumentId)
	Out.Printf("online:      %t", state.IsOnline)
	Out.Printf("connected:   %t", state.IsConnected)
	Out.Printf("quality:     %s", stats.ConnectionQuality)
	Out.Printf("latency:     %s", stats.PingLatency)
	Out.Printf("users:       %d", stats.ActiveUserCount)
	Out.Printf("editing:     %d", stats.EditingNodeCount)
	Out.Printf("pending:     %d", stats.PendingOperationCount)
	Out.Printf("conflicts:   %d", stats.ConflictCount)
	Out.Printf("errors:      %d", stats.ErrorCount)
	Out.Printf("retry count: %d", manager.SyncRetryCount())
	Out.Printf("msg rate:    %.2f/s", stats.MessageRate)
	if manager.HasUnsyncedData() {
		Out.Printf("unsynced data: yes")
	}
}

func watch(opts docopt.Opts) {
	manager, transport, sessionAuth := dial(opts)
	defer manager.Cleanup()
	defer transport.Close()

	Out.Printf("watching as %s (ctrl-c to stop)", sessionAuth.UserId)

	unsub := manager.AddEventCallback(func(event *collab.SyncEvent) {
		switch event.Type {
		case collab.EventStateChanged:
			// too chatty for the console
		case collab.EventErrorOccurred:
			Out.Printf("[%s] %s: %s", event.Type, event.Error.Context, event.Error.Message)
		case collab.EventConnectionQualityChanged:
			Out.Printf("[%s] %s", event.Type, event.ConnectionQuality)
		case collab.EventUserJoined, collab.EventUserLeft:
			Out.Printf("[%s] %s", event.Type, event.UserId)
		case collab.EventEditingStarted, collab.EventEditingEnded:
			Out.Printf("[%s] %s %s", event.Type, event.NodeId, event.UserId)
		default:
			Out.Printf("[%s]", event.Type)
		}
	})
	defer unsub()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func send(opts docopt.Opts) {
	manager, transport, _ := dial(opts)
	defer manager.Cleanup()
	defer transport.Close()

	nodeId, _ := opts.String("--node")
	opType, err := opts.String("--op_type")
	if err != nil {
		opType = "update_node"
	}
	var payload json.RawMessage
	if payloadStr, err := opts.String("<payload>"); err == nil && payloadStr != "" {
		payload = json.RawMessage(payloadStr)
	}

	op := manager.RecordLocalOperation(opType, nodeId, payload)
	Out.Printf("queued %s %s -> %s", op.Type, op.OperationId, nodeId)

	timeout := time.After(optTimeout(opts))
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			Err.Fatalf("Timeout with %d operations still pending.", manager.GetStats().PendingOperationCount)
		case <-ticker.C:
			if !manager.HasUnsyncedData() {
				Out.Printf("acknowledged %s", op.OperationId)
				return
			}
		}
	}
}

func resolve(opts docopt.Opts) {
	manager, transport, _ := dial(opts)
	defer manager.Cleanup()
	defer transport.Close()

	// let the transport connect and receive the current conflicts
	time.Sleep(optTimeout(opts))

	if conflictStr, err := opts.String("--conflict"); err == nil && conflictStr != "" {
		operationId, err := collab.ParseId(conflictStr)
		if err != nil {
			Err.Fatalf("Bad operation id: %s", err)
		}
		manager.RemoveConflict(operationId)
		Out.Printf("dropped %s", operationId)
		return
	}

	conflicts := slices.Clone(manager.Conflicts())
	if len(conflicts) == 0 {
		Out.Printf("no conflicts")
		return
	}
	// oldest first
	slices.SortFunc(conflicts, func(a *collab.Operation, b *collab.Operation) int {
		if a.OperationId.LessThan(b.OperationId) {
			return -1
		} else if b.OperationId.LessThan(a.OperationId) {
			return 1
		}
		return 0
	})
	for _, op := range conflicts {
		Out.Printf("%s %s %s %s", op.OperationId, op.Type, op.TargetId, op.UserId)
	}
}

func dial(opts docopt.Opts) (*collab.SyncStateManager, *collab.PeerTransport, *collab.SessionAuth) {
	connectUrl, err := opts.String("--connect_url")
	if err != nil {
		connectUrl = DefaultConnectUrl
	}
	byJwt, _ := opts.String("--jwt")

	sessionAuth, err := collab.ParseSessionAuthUnverified(byJwt)
	if err != nil {
		Err.Fatalf("Bad jwt: %s", err)
	}

	ctx := context.Background()
	manager := collab.NewSyncStateManagerWithDefaults(ctx, sessionAuth.UserId)
	transport := collab.NewPeerTransportWithDefaults(ctx, connectUrl, byJwt, manager)
	return manager, transport, sessionAuth
}

func optTimeout(opts docopt.Opts) time.Duration {
	timeoutSeconds, err := opts.Int("--timeout")
	if err != nil || timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	return time.Duration(timeoutSeconds) * time.Second
}
