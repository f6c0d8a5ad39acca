// Command convoterm attaches a terminal to a convod conversation. It speaks
// the same viewer protocol as the web UI, so both can watch one conversation
// at the same time.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func main() {
	app := &cli.App{
		Name:  "convoterm",
		Usage: "terminal console for a convod conversation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Base URL of the convod server.",
				Value: "http://127.0.0.1:7860",
			},
			&cli.StringFlag{
				Name:     "conversation",
				Usage:    "Conversation id to attach to.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Server password, if auth is enabled.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cliCtx *cli.Context) error {
	base := strings.TrimSuffix(cliCtx.String("addr"), "/")
	convID := cliCtx.String("conversation")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Jar: jar}

	if pw := cliCtx.String("password"); pw != "" {
		if err := login(httpClient, base, pw); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsAddr := "ws" + strings.TrimPrefix(base, "http") + "/api/conversations/" + convID + "/ws"
	conn, _, err := websocket.Dial(ctx, wsAddr, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsAddr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	m := newModel(ctx, conn, convID)
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func login(client *http.Client, base, password string) error {
	body, _ := json.Marshal(map[string]string{"password": password})
	resp, err := client.Post(base+"/api/login", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("login rejected: %s", resp.Status)
	}
	return nil
}

// note is a server->viewer message; only the fields convoterm renders.
type note struct {
	Kind    string          `json:"kind"`
	Entries []transcriptRow `json:"entries"`
	Entry   *transcriptRow  `json:"entry"`
	Active  bool            `json:"active"`
	Text    string          `json:"text"`
	Event   json.RawMessage `json:"event"`
}

type transcriptRow struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func readNote(ctx context.Context, conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		var n note
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			return disconnectedMsg{err: err}
		}
		return noteMsg(n)
	}
}

func submit(ctx context.Context, conn *websocket.Conn, content string) tea.Cmd {
	return func() tea.Msg {
		err := wsjson.Write(ctx, conn, map[string]string{"kind": "submit", "content": content})
		if err != nil {
			return disconnectedMsg{err: err}
		}
		return nil
	}
}

type noteMsg note

type disconnectedMsg struct{ err error }
