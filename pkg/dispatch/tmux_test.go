package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"architect/pkg/dispatch"
	"architect/pkg/protocol"
)

var localWorker = protocol.Worker{
	Name:     "w1",
	Location: protocol.LocalLocation,
	Session:  "agents:0.1",
}

var remoteWorker = protocol.Worker{
	Name:     "w2",
	Location: "build-host",
	Session:  "agents:0.2",
}

func TestInjectLocal(t *testing.T) {
	runner := newFakeRunner()
	inj := dispatch.NewTmuxInjector(runner)

	if err := inj.Inject(context.Background(), localWorker, "run the tests"); err != nil {
		t.Fatalf("inject: %v", err)
	}

	calls := runner.callList()
	want := []string{
		"tmux has-session -t agents:0.1",
		"tmux set-buffer -b architect-inject run the tests",
		"tmux paste-buffer -b architect-inject -t agents:0.1 -d",
		"tmux send-keys -t agents:0.1 Enter",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestInjectRemoteRoutesThroughSSH(t *testing.T) {
	runner := newFakeRunner()
	inj := dispatch.NewTmuxInjector(runner)

	if err := inj.Inject(context.Background(), remoteWorker, "deploy it"); err != nil {
		t.Fatalf("inject: %v", err)
	}

	for _, call := range runner.callList() {
		if !strings.HasPrefix(call, "ssh -o BatchMode=yes build-host tmux ") {
			t.Errorf("remote call not routed through ssh: %q", call)
		}
	}
}

// shellWords re-parses a command line the way the remote login shell
// would: split on spaces, except inside single quotes, honoring the
// '\'' escape sequence.
func shellWords(t *testing.T, line string) []string {
	t.Helper()
	var words []string
	var cur strings.Builder
	inWord := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; c {
		case ' ':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		case '\'':
			inWord = true
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				t.Fatalf("unterminated quote in %q", line)
			}
			cur.WriteString(line[i+1 : i+1+end])
			i += end + 1
		case '\\':
			inWord = true
			i++
			cur.WriteByte(line[i])
		default:
			inWord = true
			cur.WriteByte(c)
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}

func TestInjectRemoteQuotesMultiWordContent(t *testing.T) {
	runner := newFakeRunner()
	inj := dispatch.NewTmuxInjector(runner)

	content := "fix the login bug; see $(git log) and don't touch prod"
	if err := inj.Inject(context.Background(), remoteWorker, content); err != nil {
		t.Fatalf("inject: %v", err)
	}

	var setBuffer string
	for _, call := range runner.callList() {
		if strings.Contains(call, "set-buffer") {
			setBuffer = call
		}
	}
	if setBuffer == "" {
		t.Fatal("no set-buffer call recorded")
	}

	// What the remote shell executes must be tmux with exactly four
	// arguments, the task text arriving as one word with its
	// metacharacters intact.
	words := shellWords(t, strings.TrimPrefix(setBuffer, "ssh -o BatchMode=yes build-host "))
	want := []string{"tmux", "set-buffer", "-b", "architect-inject", content}
	if len(words) != len(want) {
		t.Fatalf("remote shell words = %q, want %q", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("word %d = %q, want %q", i, words[i], want[i])
		}
	}
}

func TestInjectDeadSession(t *testing.T) {
	runner := newFakeRunner()
	runner.failWith["has-session"] = errors.New("no such session")
	inj := dispatch.NewTmuxInjector(runner)

	err := inj.Inject(context.Background(), localWorker, "anything")
	if err == nil {
		t.Fatal("expected error for dead session")
	}
	// Nothing must be pasted into a dead session.
	for _, call := range runner.callList() {
		if strings.Contains(call, "paste-buffer") {
			t.Errorf("pasted into dead session: %q", call)
		}
	}
}

func TestInjectSanitizesNewlines(t *testing.T) {
	runner := newFakeRunner()
	inj := dispatch.NewTmuxInjector(runner)

	if err := inj.Inject(context.Background(), localWorker, "line one\nline two\r\n"); err != nil {
		t.Fatal(err)
	}
	for _, call := range runner.callList() {
		if strings.ContainsAny(call, "\n\r") {
			t.Errorf("newline leaked into tmux args: %q", call)
		}
	}
}

func TestCapture(t *testing.T) {
	runner := newFakeRunner()
	runner.output["capture-pane"] = "$ make test\nok\n"
	inj := dispatch.NewTmuxInjector(runner)

	out, err := inj.Capture(context.Background(), localWorker, 40)
	if err != nil {
		t.Fatal(err)
	}
	if out != "$ make test\nok\n" {
		t.Errorf("capture = %q", out)
	}
	calls := runner.callList()
	if len(calls) != 1 || calls[0] != "tmux capture-pane -p -t agents:0.1 -S -40" {
		t.Errorf("unexpected capture call: %v", calls)
	}
}

func TestSendKey(t *testing.T) {
	runner := newFakeRunner()
	inj := dispatch.NewTmuxInjector(runner)
	ctx := context.Background()

	if err := inj.SendKey(ctx, localWorker, "1"); err != nil {
		t.Fatal(err)
	}
	if err := inj.SendKey(ctx, localWorker, "Enter"); err != nil {
		t.Fatal(err)
	}

	calls := runner.callList()
	if calls[0] != "tmux send-keys -t agents:0.1 -l 1" {
		t.Errorf("literal key call = %q", calls[0])
	}
	if calls[1] != "tmux send-keys -t agents:0.1 Enter" {
		t.Errorf("Enter key call = %q", calls[1])
	}
}
