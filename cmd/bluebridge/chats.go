package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/bluebridge/pkg/blueapi"
)

var chatsCommand = &cli.Command{
	Name:   "chats",
	Usage:  "List conversations on the server",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum number of chats to list",
			Value: 50,
		},
	},
	Action: cmdChats,
}

func cmdChats(ctx *cli.Context) error {
	client := getClient(ctx)
	chats, err := client.QueryChats(ctx.Context, &blueapi.ChatQuery{
		With:  []string{"participants", "lastmessage"},
		Sort:  "lastmessage",
		Limit: ctx.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("failed to list chats: %w", err)
	}
	for _, chat := range chats {
		name := chat.DisplayName
		if name == "" {
			participants := make([]string, len(chat.Participants))
			for i, handle := range chat.Participants {
				participants[i] = handle.Address
			}
			name = strings.Join(participants, ", ")
		}
		fmt.Printf("%-55s %s\n", chat.GUID, name)
	}
	return nil
}
