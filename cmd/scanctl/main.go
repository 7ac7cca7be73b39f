// scanctl is the command line client for the filmscan daemon.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/innot/tofisca/internal/httpc"
)

const usage = `usage: scanctl [-addr URL] <command> [options]

commands:
  status [-follow]         show the coordinator state
  start [-film F] [-title T] [-max-frames N] [-start-index N]
  pause                    pause after the current frame commits
  resume                   resume a paused session
  abort                    abort the session
  jog [-reverse] -steps N  move the transport manually
  jog -to-edge             advance to the next perforation
  formats                  list supported film formats
`

func main() {
	addr := flag.String("addr", "http://localhost:8080", "daemon base URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cli := &client{base: strings.TrimRight(*addr, "/"), http: httpc.NewClient(30 * time.Second)}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "status":
		err = cli.status(args)
	case "start":
		err = cli.start(args)
	case "pause":
		err = cli.post("/api/scan/pause", nil)
	case "resume":
		err = cli.post("/api/scan/resume", nil)
	case "abort":
		err = cli.post("/api/scan/abort", nil)
	case "jog":
		err = cli.jog(args)
	case "formats":
		err = cli.formats()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "scanctl:", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

// do sends the request and prints the daemon's JSON response,
// indented. Non-2xx responses surface the daemon's error field.
func (c *client) do(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("%s: %s", resp.Status, data)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func (c *client) get(path string) error            { return c.do("GET", path, nil) }
func (c *client) post(path string, body any) error { return c.do("POST", path, body) }

func (c *client) status(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	follow := fs.Bool("follow", false, "stream live status updates")
	fs.Parse(args)

	if !*follow {
		return c.get("/api/scan/status")
	}
	return c.follow()
}

func (c *client) start(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	film := fs.String("film", "super8", "film format key")
	title := fs.String("title", "", "reel label")
	maxFrames := fs.Int("max-frames", 0, "stop after N frames (0 = until blank)")
	startIndex := fs.Int("start-index", 0, "continue numbering after this frame")
	fs.Parse(args)

	return c.post("/api/scan/start", map[string]any{
		"film":        *film,
		"title":       *title,
		"max_frames":  *maxFrames,
		"start_index": *startIndex,
	})
}

func (c *client) jog(args []string) error {
	fs := flag.NewFlagSet("jog", flag.ExitOnError)
	reverse := fs.Bool("reverse", false, "jog backwards")
	steps := fs.Int("steps", 0, "number of steps")
	toEdge := fs.Bool("to-edge", false, "advance to the next perforation")
	fs.Parse(args)

	dir := "forward"
	if *reverse {
		dir = "reverse"
	}
	return c.post("/api/transport/jog", map[string]any{
		"direction": dir,
		"steps":     *steps,
		"to_edge":   *toEdge,
	})
}

func (c *client) formats() error {
	return c.get("/api/film/formats")
}

// follow subscribes to the status websocket and prints one line per
// update until interrupted.
func (c *client) follow() error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/status"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", u, err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var st struct {
			State         string `json:"state"`
			FrameIndex    int    `json:"frame_index"`
			MotorPosition int    `json:"motor_position"`
			LastError     string `json:"last_error"`
		}
		if err := json.Unmarshal(data, &st); err != nil {
			fmt.Println(string(data))
			continue
		}
		line := fmt.Sprintf("%-18s frame %-6d position %d", st.State, st.FrameIndex, st.MotorPosition)
		if st.LastError != "" {
			line += "  error: " + st.LastError
		}
		fmt.Println(line)
	}
}
