// Program jlot is a toolkit for JSON-RPC 2.0 over JSON Lines on TCP.
//
// Usage:
//
//	jlot <command> [options] [args...]
//
// The commands are:
//
//	req              compose a single request object
//	gen              generate a stream of requests with sequential ids
//	call             issue calls from stdin sequentially, one at a time
//	stream-call      issue calls from stdin concurrently or pipelined
//	stats            summarize an outcome stream from stdin
//	run-echo-server  run a server that echoes every request back
//
// Run "jlot <command> -help" for the options of a command.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jlot/jlot"
	"github.com/jlot/jlot/channel"
	"github.com/jlot/jlot/echo"
	"github.com/jlot/jlot/engine"
	"github.com/jlot/jlot/stats"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: %[1]s <command> [options] [args...]

Commands:

  req              compose a single request object
  gen              generate a stream of requests with sequential ids
  call             issue calls from stdin sequentially, one at a time
  stream-call      issue calls from stdin concurrently or pipelined
  stats            summarize an outcome stream from stdin
  run-echo-server  run a server that echoes every request back

Server addresses accept the ":port" shorthand for a loopback address.
Run "%[1]s <command> -help" for the options of a command.
`, filepath.Base(os.Args[0]))
	}
}

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "req":
		err = runReq(args)
	case "gen":
		err = runGen(args)
	case "call":
		err = runCall(args)
	case "stream-call":
		err = runStreamCall(args)
	case "stats":
		err = runStats(args)
	case "run-echo-server":
		err = runEchoServer(args)
	default:
		log.Fatalf("Unknown command %q; run %s -help for usage", cmd, filepath.Base(os.Args[0]))
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// runReq composes one request object and prints it.
func runReq(args []string) error {
	fs := flag.NewFlagSet("req", flag.ExitOnError)
	id := fs.Int64("id", 1, "Request id (omitted for a notification with -notify)")
	notify := fs.Bool("notify", false, "Compose a notification (no id)")
	fs.Parse(args)

	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("arguments are <method> [<params>]")
	}
	var params json.RawMessage
	if fs.NArg() == 2 && fs.Arg(1) != "" {
		params = json.RawMessage(fs.Arg(1))
	}
	var reqID json.RawMessage
	if !*notify {
		reqID = json.RawMessage(strconv.FormatInt(*id, 10))
	}
	m, err := jlot.NewRequest(fs.Arg(0), params, reqID)
	if err != nil {
		return err
	}
	fmt.Println(string(m.Raw()))
	return nil
}

// runGen prints count requests with sequential ids, one per line.
func runGen(args []string) error {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	count := fs.Int64("count", 0, "Number of requests to generate (required)")
	startID := fs.Int64("start-id", 0, "First request id")
	method := fs.String("method", "ping", "Method name for every request")
	params := fs.String("params", "", "Params value for every request (a JSON array or object)")
	fs.Parse(args)

	if *count <= 0 {
		return fmt.Errorf("-count must be positive")
	}
	var p json.RawMessage
	if *params != "" {
		p = json.RawMessage(*params)
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	src := engine.Generate(*method, p, *startID, *count)
	for {
		d, err := src.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		out.Write(d.Line)
		out.WriteByte('\n')
	}
}

// runCall issues the requests from stdin one at a time, awaiting each
// response before sending the next. Responses are printed to stdout.
func runCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	dialTimeout := fs.Duration("dial", 5*time.Second, "Timeout on dialing the server (0 for no timeout)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("arguments are <address>")
	}
	sess, err := channel.Dial(fs.Arg(0), *dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %q: %w", fs.Arg(0), err)
	}
	defer sess.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(nil, 16*1024*1024)
	for in.Scan() {
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		batch, err := jlot.ParseMessages(line)
		if err != nil {
			log.Printf("Skipping invalid input line: %v", err)
			continue
		}
		if bad := batch.Invalid(); bad != nil {
			log.Printf("Skipping invalid input line: %v", bad)
			continue
		}
		if err := sess.Send(line); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if batch.IsNotificationOnly() {
			continue // no response owed
		}
		rsp, err := sess.Recv()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		out.Write(rsp)
		out.WriteByte('\n')
		out.Flush()
	}
	return in.Err()
}

// runStreamCall drives the requests from stdin through the execution engine
// and prints one outcome line per dispatch unit, in completion order.
func runStreamCall(args []string) error {
	fs := flag.NewFlagSet("stream-call", flag.ExitOnError)
	pipelining := fs.Int("pipelining", 1, "Unanswered dispatch units permitted per connection")
	connections := fs.Int("connections", 1, "Connections opened per address")
	metadata := fs.Bool("metadata", false, "Annotate each outcome with timing, sizes, and status")
	preread := fs.Bool("preread", false, "Read all input before dispatching any of it")
	dialTimeout := fs.Duration("dial", 5*time.Second, "Timeout on dialing each server (0 for no timeout)")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("arguments are <address>...")
	}

	var src engine.Source = engine.NewLineSource(os.Stdin)
	if *preread {
		buf, err := engine.Buffered(src)
		if err != nil {
			return err
		}
		src = buf
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	rs, err := engine.Run(context.Background(), &engine.Options{
		Addrs:       fs.Args(),
		Pipelining:  *pipelining,
		Connections: *connections,
		DialTimeout: *dialTimeout,
	}, src, func(o *engine.Outcome) error {
		line, err := o.EncodeLine(*metadata)
		if err != nil {
			return err
		}
		out.Write(line)
		return out.WriteByte('\n')
	})
	if rs != nil {
		for _, serr := range rs.SessionErrors {
			log.Printf("Session failed: %v", serr)
		}
	}
	return err
}

// runStats reads outcome lines from stdin and prints one summary object.
func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 0 {
		return fmt.Errorf("stats takes no arguments; outcome lines are read from stdin")
	}

	s, err := stats.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	line, err := json.Marshal(s)
	if err != nil {
		return err
	}
	fmt.Println(string(line))
	return nil
}

// runEchoServer runs the echo server until the process is killed.
func runEchoServer(args []string) error {
	fs := flag.NewFlagSet("run-echo-server", flag.ExitOnError)
	debugAddr := fs.String("debug", "", "Serve expvar metrics over HTTP at this address")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("arguments are <address>")
	}
	srv, err := echo.Listen(fs.Arg(0), nil)
	if err != nil {
		return err
	}
	if *debugAddr != "" {
		expvar.Publish("echo", echo.ServerMetrics())
		go func() {
			log.Printf("Debug server: %v", http.ListenAndServe(jlot.ParseAddr(*debugAddr), nil))
		}()
	}
	log.Printf("Echo server listening at %s", srv.Addr())
	return srv.Serve()
}
