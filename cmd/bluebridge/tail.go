package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/bluebridge/pkg/connector"
)

var tailCommand = &cli.Command{
	Name:   "tail",
	Usage:  "Connect and print incoming messages until interrupted",
	Before: prepareApp,
	Action: cmdTail,
}

// printListener renders connector events to stdout.
type printListener struct {
	connector.NopListener
}

func (printListener) OnOpen(serverID, osVersion, serverVersion string, faceTimeSupported bool) {
	fmt.Printf("-- connected to %s (macOS %s)\n", serverVersion, osVersion)
}

func (printListener) OnClose(code connector.ConnErrorCode) {
	fmt.Printf("-- connection closed (code %d)\n", code)
}

func (printListener) OnMessageUpdate(items []connector.ConversationItem) {
	for _, item := range items {
		switch it := item.(type) {
		case *connector.MessageItem:
			sender := it.Sender
			if sender == "" {
				sender = "me"
			}
			fmt.Printf("[%s] %s: %s\n", it.ChatGUID, sender, it.Text)
			for _, att := range it.Attachments {
				fmt.Printf("    attachment: %s (%s, %d bytes)\n", att.Name, att.MimeType, att.Size)
			}
		case *connector.ParticipantActionItem:
			verb := "joined"
			if it.Action == connector.ParticipantLeave {
				verb = "left"
			}
			fmt.Printf("[%s] %s %s\n", it.ChatGUID, it.Target, verb)
		case *connector.ChatRenameItem:
			fmt.Printf("[%s] renamed to %q\n", it.ChatGUID, it.NewName)
		}
	}
}

func (printListener) OnModifierUpdate(tapbacks []connector.TapbackItem) {
	for _, tb := range tapbacks {
		verb := "added"
		if !tb.IsAddition {
			verb = "removed"
		}
		fmt.Printf("    %s %s %s on %s\n", tb.Sender, verb, tb.Tapback, tb.MessageGUID)
	}
}

func cmdTail(ctx *cli.Context) error {
	conn := connector.NewConnector(getClient(ctx), getConfig(ctx), getLogger(ctx))
	conn.AddListener(printListener{})
	if err := conn.Connect(ctx.Context); err != nil {
		return err
	}
	defer conn.Disconnect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	return nil
}
