package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/linkerlin/tgclaw/internal/db"
	"github.com/linkerlin/tgclaw/internal/ipc"
	"github.com/linkerlin/tgclaw/internal/state"
	"github.com/linkerlin/tgclaw/internal/tui"
	"github.com/linkerlin/tgclaw/internal/types"
)

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Check the Telegram bot token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.Telegram.Token == "" {
				return errors.New(tokenHelp)
			}
			bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
			if err != nil {
				return fmt.Errorf("token rejected by Telegram: %w\n\nCreate a new token with @BotFather (/token)", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Authenticated as @%s (id %d)\n", bot.Self.UserName, bot.Self.ID)
			return nil
		},
	}
}

func chatIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat-id",
		Short: "Print the id of every chat that messages the bot",
		Long:  "Send any message to the bot (or add it to a group and mention it); the chat id is printed and sent back.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.Telegram.Token == "" {
				return errors.New(tokenHelp)
			}
			bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			updates := bot.GetUpdatesChan(u)
			defer bot.StopReceivingUpdates()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listening as @%s, press Ctrl+C to stop\n", bot.Self.UserName)
			for {
				select {
				case <-ctx.Done():
					return nil
				case update := <-updates:
					msg := update.Message
					if msg == nil || msg.Chat == nil {
						continue
					}
					user := ""
					if msg.From != nil {
						user = msg.From.UserName
					}
					fmt.Fprintf(out, "chat %d  type=%s  title=%q  from=@%s\n", msg.Chat.ID, msg.Chat.Type, msg.Chat.Title, user)
					reply := tgbotapi.NewMessage(msg.Chat.ID, "Chat ID: "+strconv.FormatInt(msg.Chat.ID, 10))
					reply.ReplyToMessageID = msg.MessageID
					if _, err := bot.Send(reply); err != nil {
						fmt.Fprintln(os.Stderr, "reply failed:", err)
					}
				}
			}
		},
	}
}

func registerCmd() *cobra.Command {
	var chatID, name, folder, trigger string
	cmd := &cobra.Command{
		Use:     "register",
		Short:   "Register a chat as a group with its own folder and mailbox",
		Example: "  tgclaw register --chat-id=-1001234567890 --name Family --folder family",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if _, err := strconv.ParseInt(chatID, 10, 64); err != nil {
				return fmt.Errorf("chat id must be numeric: %q", chatID)
			}
			if !state.ValidFolder(folder) || folder == "errors" {
				return fmt.Errorf("invalid folder name %q", folder)
			}
			if trigger == "" {
				trigger = "@" + cfg.AssistantName
			}
			reg, err := state.LoadRegistry(cfg.DataDir, cfg.MainGroupFolder)
			if err != nil {
				return err
			}
			group := types.RegisteredGroup{
				Name:    name,
				Folder:  folder,
				Trigger: trigger,
				AddedAt: types.FormatTime(time.Now()),
			}
			if err := ipc.RegisterGroupDirs(reg, cfg.GroupsDir, cfg.IPCDir(), chatID, group); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s) as %s\n", name, chatID, filepath.Join(cfg.GroupsDir, folder))
			if folder == cfg.MainGroupFolder {
				fmt.Fprintln(cmd.OutOrStdout(), "This is the main group: it can manage every other group.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "Telegram chat id (see `tgclaw chat-id`)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&folder, "folder", "", "group folder under groups_dir")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger word (default @<assistant_name>)")
	for _, f := range []string{"chat-id", "name", "folder"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			var tasks []types.ScheduledTask
			if group != "" {
				tasks, err = store.GetTasksForGroup(cmd.Context(), group)
			} else {
				tasks, err = store.GetAllTasks(cmd.Context())
			}
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scheduled tasks.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tGROUP\tSTATUS\tSCHEDULE\tNEXT RUN\tLAST RUN\tPROMPT")
			for _, t := range tasks {
				logs, err := store.GetTaskRunLogs(cmd.Context(), t.ID, 1)
				if err != nil {
					return err
				}
				last := "-"
				if len(logs) > 0 {
					last = string(logs[0].Status) + " " + relTime(&logs[0].RunAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
					t.ID, t.GroupFolder, t.Status, t.ScheduleType, t.ScheduleValue, relTime(t.NextRun), last, clip(t.Prompt, 40))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "only tasks of this group folder")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Open the task dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer store.Close()
			reg, err := state.LoadRegistry(cfg.DataDir, cfg.MainGroupFolder)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return tui.Run(ctx, tui.StoreLoader(store, reg))
		},
	}
}

func relTime(ts *string) string {
	if ts == nil {
		return "-"
	}
	t, err := types.ParseTime(*ts)
	if err != nil {
		return *ts
	}
	return humanize.Time(t)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
