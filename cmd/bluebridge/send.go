package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/bluebridge/pkg/connector"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message to a chat",
	ArgsUsage: "CHAT_GUID MESSAGE...",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the send to be confirmed",
			Value: 30 * time.Second,
		},
	},
	Action: cmdSend,
}

type sendResponse struct {
	requestID string
	code      connector.MessageErrorCode
}

// sendListener forwards send outcomes for the caller to match on.
type sendListener struct {
	connector.NopListener
	done chan sendResponse
}

func (l *sendListener) OnSendMessageResponse(requestID string, code connector.MessageErrorCode) {
	l.done <- sendResponse{requestID, code}
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a chat GUID and a message")
	}
	chatGUID := ctx.Args().Get(0)
	text := strings.Join(ctx.Args().Slice()[1:], " ")

	conn := connector.NewConnector(getClient(ctx), getConfig(ctx), getLogger(ctx))
	listener := &sendListener{done: make(chan sendResponse, 8)}
	conn.AddListener(listener)
	if err := conn.Connect(ctx.Context); err != nil {
		return err
	}
	defer conn.Disconnect()

	target := &connector.Conversation{GUID: chatGUID}
	requestID, err := conn.SendText(ctx.Context, target, text, "")
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}

	deadline := time.After(ctx.Duration("timeout"))
	for {
		select {
		case resp := <-listener.done:
			if resp.requestID != requestID {
				continue
			}
			if resp.code != connector.MessageErrorNone {
				return fmt.Errorf("send failed with error code %d", resp.code)
			}
			fmt.Println("Message sent")
			return nil
		case <-deadline:
			return fmt.Errorf("timed out waiting for send confirmation")
		}
	}
}
