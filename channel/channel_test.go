package channel_test

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jlot/jlot/channel"
)

func pipeSessions(t *testing.T) (client, server *channel.Session) {
	t.Helper()
	cc, sc := net.Pipe()
	t.Cleanup(func() { cc.Close(); sc.Close() })
	return channel.New(cc), channel.New(sc)
}

func TestSendRecv(t *testing.T) {
	client, server := pipeSessions(t)

	const msg = `{"jsonrpc":"2.0","method":"hello","id":1}`
	go func() {
		if err := client.Send([]byte(msg)); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()
	got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != msg {
		t.Errorf("Recv: got %#q, want %#q", got, msg)
	}
}

func TestSendStripsNewlines(t *testing.T) {
	client, server := pipeSessions(t)

	go client.Send([]byte("{\"a\":\n 1}\n"))
	got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if want := `{"a": 1}`; string(got) != want {
		t.Errorf("Recv: got %#q, want %#q", got, want)
	}
}

func TestLongLines(t *testing.T) {
	client, server := pipeSessions(t)

	// Longer than the default bufio.Reader buffer, to exercise the
	// partial-read retry loop.
	long := `{"pad":"` + strings.Repeat("x", 16384) + `"}`
	go client.Send([]byte(long))
	got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != long {
		t.Errorf("Recv: got %d bytes, want %d", len(got), len(long))
	}
}

func TestEmptyLinesSkipped(t *testing.T) {
	cc, sc := net.Pipe()
	t.Cleanup(func() { cc.Close(); sc.Close() })
	server := channel.New(sc)

	go func() {
		io.WriteString(cc, "\n\n")
		io.WriteString(cc, "msg\n")
	}()
	got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "msg" {
		t.Errorf("Recv: got %#q, want %#q", got, "msg")
	}
}

func TestConcurrentSendsAtomic(t *testing.T) {
	client, server := pipeSessions(t)

	const nSenders = 8
	const perSender = 25
	want := make([]string, 0, nSenders*perSender)
	for i := 0; i < nSenders; i++ {
		for j := 0; j < perSender; j++ {
			// Varying lengths make interleaved partial writes visible.
			want = append(want, fmt.Sprintf("sender-%d-msg-%d-%s", i, j, strings.Repeat("y", i*31+j)))
		}
	}

	var got []string
	done := make(chan error, 1)
	go func() {
		for len(got) < len(want) {
			line, err := server.Recv()
			if err != nil {
				done <- err
				return
			}
			got = append(got, string(line))
		}
		done <- nil
	}()

	var wg sync.WaitGroup
	for i := 0; i < nSenders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				msg := fmt.Sprintf("sender-%d-msg-%d-%s", i, j, strings.Repeat("y", i*31+j))
				if err := client.Send([]byte(msg)); err != nil {
					t.Errorf("Send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if err := <-done; err != nil {
		t.Fatalf("Recv: %v", err)
	}

	sort.Strings(want)
	sort.Strings(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Received lines: (-want, +got)\n%s", diff)
	}
}

func TestRecvAfterClose(t *testing.T) {
	cc, sc := net.Pipe()
	server := channel.New(sc)
	cc.Close()
	sc.Close()

	if line, err := server.Recv(); err == nil {
		t.Errorf("Recv: got %#q, want error", line)
	}
}

func TestDialFailure(t *testing.T) {
	// A port that is not listening; connection establishment must fail
	// rather than retry.
	if s, err := channel.Dial("127.0.0.1:1", 0); err == nil {
		s.Close()
		t.Error("Dial: got session, want error")
	}
}
