// roomsync CLI - command line client for a roomsync server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/eldtechnologies/roomsync/clients/go/roomsync"
)

type contextKey int

const contextKeyClient contextKey = iota

func getClient(ctx *cli.Context) *roomsync.Client {
	return ctx.Context.Value(contextKeyClient).(*roomsync.Client)
}

func prepareClient(ctx *cli.Context) error {
	client := roomsync.NewClient(ctx.String("url"), ctx.String("token"))
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, client)
	return nil
}

func requiresToken(ctx *cli.Context) error {
	if ctx.String("token") == "" {
		return fmt.Errorf("no token: pass --token or set ROOMSYNC_TOKEN (cmd/sign issues development tokens)")
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "roomsync",
		Usage:   "Talk to a roomsync chat server",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Server URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"ROOMSYNC_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token",
				EnvVars: []string{"ROOMSYNC_TOKEN"},
			},
		},
		Before: prepareClient,
		Commands: []*cli.Command{
			healthCommand,
			roomsCommand,
			historyCommand,
			sendCommand,
			tailCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "Check server health",
	Action: func(ctx *cli.Context) error {
		resp, err := getClient(ctx).Health()
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var roomsCommand = &cli.Command{
	Name:   "rooms",
	Usage:  "List rooms, or create one with --create",
	Before: requiresToken,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "create", Usage: "Create a room with this name"},
		&cli.BoolFlag{Name: "private", Usage: "Make the created room private"},
		&cli.StringSliceFlag{Name: "member", Usage: "Member of the created room (repeatable)"},
	},
	Action: func(ctx *cli.Context) error {
		client := getClient(ctx)
		if name := ctx.String("create"); name != "" {
			room, err := client.CreateRoom(roomsync.CreateRoomRequest{
				Name:      name,
				IsPrivate: ctx.Bool("private"),
				Members:   ctx.StringSlice("member"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created: %s  %s\n", room.ID, room.Name)
			return nil
		}

		rooms, err := client.ListRooms()
		if err != nil {
			return err
		}
		for _, r := range rooms {
			visibility := "public"
			if r.IsPrivate {
				visibility = "private"
			}
			fmt.Printf("  %s  %s (%s, %d members)\n", r.ID, r.Name, visibility, len(r.Members))
		}
		return nil
	},
}

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print recent messages of a room",
	ArgsUsage: "ROOM",
	Before:    requiresToken,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of messages"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify a room id")
		}
		msgs, err := getClient(ctx).History(ctx.Args().Get(0), time.Time{}, ctx.Int("limit"))
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message and wait for the server to admit it",
	ArgsUsage: "ROOM TEXT",
	Before:    requiresToken,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "file", Usage: "Attach a file (repeatable)"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 1 {
			return fmt.Errorf("usage: roomsync send ROOM TEXT")
		}
		client := getClient(ctx)
		roomID := ctx.Args().Get(0)
		text := strings.Join(ctx.Args().Slice()[1:], " ")

		var attachments []roomsync.Attachment
		for _, path := range ctx.StringSlice("file") {
			att, err := client.UploadFile(path)
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			attachments = append(attachments, *att)
		}

		runCtx, cancel := context.WithTimeout(ctx.Context, 15*time.Second)
		defer cancel()

		result := make(chan roomsync.Event, 1)
		conn, err := roomsync.Dial(runCtx, client.WebSocketURL(), client.Token,
			roomsync.WithEventHandler(func(e roomsync.Event) {
				if e.Type == roomsync.EventMessageAck || (e.Err != nil && e.Err.Type == roomsync.EventSendMessage) {
					select {
					case result <- e:
					default:
					}
				}
			}))
		if err != nil {
			return err
		}
		defer conn.Close()
		go conn.Run(runCtx)

		if _, err := conn.Send(roomID, text, attachments); err != nil {
			return err
		}

		select {
		case e := <-result:
			if e.Err != nil {
				return e.Err
			}
			state := "Posted"
			if e.Replay {
				state = "Already posted"
			}
			fmt.Printf("%s: %s\n", state, e.Message.ID)
			return nil
		case <-runCtx.Done():
			return fmt.Errorf("no acknowledgement from server: %w", runCtx.Err())
		}
	},
}

var tailCommand = &cli.Command{
	Name:      "tail",
	Usage:     "Follow a room live, acknowledging messages as read",
	ArgsUsage: "ROOM",
	Before:    requiresToken,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify a room id")
		}
		client := getClient(ctx)
		roomID := ctx.Args().Get(0)

		runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		var conn *roomsync.Conn
		conn, err := roomsync.Dial(runCtx, client.WebSocketURL(), client.Token,
			roomsync.WithEventHandler(func(e roomsync.Event) {
				printEvent(conn, roomID, e)
			}))
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.Join(roomID); err != nil {
			return err
		}
		if err := conn.LoadHistory(client, roomID, 20); err != nil {
			return err
		}
		for _, e := range conn.Timeline(roomID).Entries() {
			printMessage(e.Message)
		}

		return conn.Run(runCtx)
	},
}

func printEvent(conn *roomsync.Conn, roomID string, e roomsync.Event) {
	switch e.Type {
	case roomsync.EventMessage:
		printMessage(*e.Message)
		if conn != nil {
			conn.MarkRead(roomID, e.Message.ID)
		}
	case roomsync.EventMessageUpdated:
		fmt.Printf("  (edited %s) %s\n", short(e.MessageID), e.Message.Text)
	case roomsync.EventMessageDeleted:
		fmt.Printf("  (deleted %s)\n", short(e.MessageID))
	case roomsync.EventTyping:
		if e.IsTyping {
			fmt.Printf("  %s is typing...\n", short(e.UserID))
		}
	case roomsync.EventError:
		fmt.Fprintf(os.Stderr, "  error: %v\n", e.Err)
	}
}

func printMessage(m roomsync.Message) {
	ts := m.CreatedAt.Local().Format("2006-01-02 15:04:05")
	text := m.Text
	if m.Deleted {
		text = "(message deleted)"
	}
	for _, a := range m.Attachments {
		text += " [" + a.URL + "]"
	}
	fmt.Printf("[%s] %s: %s\n", ts, short(m.SenderID), text)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
