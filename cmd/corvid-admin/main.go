package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/corvidchat/corvid/config"
	"github.com/corvidchat/corvid/globals"
	"github.com/corvidchat/corvid/persistence"
	"github.com/corvidchat/corvid/types"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// A very simple CLI tool for the administration of corvid chats and users.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	log.SetFlags(0)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	persister, err := persistence.NewGormPersister(cfg)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show chat or user",
		Long:  `show is for printing user or chat information with a given user/chat id.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Show: " + strings.Join(args, " "))
		},
	}
	var cmdShowChats = &cobra.Command{
		Use:   "chats",
		Short: "Show chats",
		Long:  `show chats lists all available chats.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			chats, err := persister.GetChats()
			if err != nil {
				globals.AppLogger.Error("could not get chats", "error", err)
				return
			}
			r, err := json.Marshal(chats)
			if err != nil {
				globals.AppLogger.Error("could not marshal chats", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowChat = &cobra.Command{
		Use:   "chat [chat id]",
		Short: "Show chat",
		Long:  `show chat prints detail information about the chat with the given id, including its member ids.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			chat, err := persister.GetChat(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get chat", "error", err)
				return
			}
			memberIds, err := persister.MemberIdsForChat(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get members", "error", err)
				return
			}
			r, err := json.Marshal(map[string]interface{}{"chat": chat, "member_ids": memberIds})
			if err != nil {
				globals.AppLogger.Error("could not marshal chat", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show users",
		Long:  `shows a listing of all available users.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			u, err := json.Marshal(users)
			if err != nil {
				globals.AppLogger.Error("could not marshal users", "error", err)
				return
			}
			fmt.Println(string(u))
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show user",
		Long:  `show user prints detail information about the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user, err := persister.GetUser(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			u, err := json.Marshal(user)
			if err != nil {
				globals.AppLogger.Error("could not marshal user", "error", err)
				return
			}
			fmt.Println(string(u))
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "delete chat or user",
		Long:  `delete removes the user or chat with a given user/chat id.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Delete: " + strings.Join(args, " "))
		},
	}
	var cmdDeleteChat = &cobra.Command{
		Use:   "chat [chat id]",
		Short: "Delete chat",
		Long:  `delete chat removes the chat with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := persister.DeleteChat(args[0])
			if err != nil {
				globals.AppLogger.Error("could not delete chat", "error", err)
				return
			}
		},
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Delete user",
		Long:  `delete user removes the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := persister.DeleteUser(args[0])
			if err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
				return
			}
		},
	}
	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "create/update user or member role",
		Long:  `set creates or updates a user or a chat member's role.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Set: " + strings.Join(args, " "))
		},
	}
	var cmdSetUser = &cobra.Command{
		Use:   "user [user definition]",
		Short: "Set user",
		Long:  `set user updates a user with the given definition. If the user definition is "-", it is read from STDIN.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var r io.Reader
			if args[0] == "-" {
				r = os.Stdin
			} else {
				r = bytes.NewReader([]byte(args[0]))
			}
			dec := json.NewDecoder(r)
			user := types.User{}
			err := dec.Decode(&user)
			if err != nil {
				globals.AppLogger.Error("could not decode user", "error", err)
				return
			}
			if user.Id == "" {
				globals.AppLogger.Error("no user id")
				return
			}
			err = persister.UpdateUser(&user)
			if err != nil {
				globals.AppLogger.Error("could not update user", "error", err)
				return
			}
		},
	}
	var cmdSetRole = &cobra.Command{
		Use:   "role [chat id] [user id] [role]",
		Short: "Set member role",
		Long:  `set role updates the role of a chat member (member/moderator/admin).`,
		Args:  cobra.MinimumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			role := args[2]
			if role != types.RoleMember && role != types.RoleModerator && role != types.RoleAdmin {
				globals.AppLogger.Error("invalid role", "role", role)
				return
			}
			err := persister.SetMemberRole(args[0], args[1], role)
			if err != nil {
				globals.AppLogger.Error("could not set role", "error", err)
				return
			}
		},
	}
	var rootCmd = &cobra.Command{Use: "corvid-admin"}
	rootCmd.AddCommand(cmdShow)
	rootCmd.AddCommand(cmdDelete)
	rootCmd.AddCommand(cmdSet)
	cmdShow.AddCommand(cmdShowChats, cmdShowChat, cmdShowUsers, cmdShowUser)
	cmdDelete.AddCommand(cmdDeleteChat, cmdDeleteUser)
	cmdSet.AddCommand(cmdSetUser, cmdSetRole)
	rootCmd.Execute()
}
