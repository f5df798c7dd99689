package queue

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis speaks just enough RESP2 for the list commands the queue uses.
type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][]string
}

func newFakeQueue(t *testing.T) *RedisQueue {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeRedis{lists: map[string][]string{}}
	go f.serve(ln)

	cli := redis.NewClient(&redis.Options{
		Addr:             ln.Addr().String(),
		Protocol:         2,
		DisableIndentity: true,
	})
	q := NewFromClient(cli, "sslinspect:test")
	q.block = 50 * time.Millisecond
	t.Cleanup(func() {
		q.Close()
		ln.Close()
	})
	return q
}

func (f *fakeRedis) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if _, err := io.WriteString(conn, f.exec(args)); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(hdr[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (f *fakeRedis) exec(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "LPUSH":
		for _, v := range args[2:] {
			f.lists[args[1]] = append([]string{v}, f.lists[args[1]]...)
		}
		return fmt.Sprintf(":%d\r\n", len(f.lists[args[1]]))
	case "LLEN":
		return fmt.Sprintf(":%d\r\n", len(f.lists[args[1]]))
	case "BRPOPLPUSH":
		src := f.lists[args[1]]
		if len(src) == 0 {
			return "$-1\r\n"
		}
		v := src[len(src)-1]
		f.lists[args[1]] = src[:len(src)-1]
		f.lists[args[2]] = append([]string{v}, f.lists[args[2]]...)
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "LREM":
		count, _ := strconv.Atoi(args[2])
		var kept []string
		removed := 0
		for _, v := range f.lists[args[1]] {
			if v == args[3] && (count <= 0 || removed < count) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		f.lists[args[1]] = kept
		return fmt.Sprintf(":%d\r\n", removed)
	default:
		return "-ERR unknown command '" + args[0] + "'\r\n"
	}
}
