package cli

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"quizroom-realtime/internal/client"
	"quizroom-realtime/internal/config"
	"quizroom-realtime/internal/domain"
)

// NewPlayCmd builds the terminal client. It is a thin presentation adapter:
// it renders session snapshots and forwards user intents; all
// synchronization lives in the client package.
func NewPlayCmd(configPath *string) *cobra.Command {
	var (
		url  string
		room string
		user string
		name string
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a quiz room from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), *configPath, url, room, user, name)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "websocket URL of the session server")
	cmd.Flags().StringVar(&room, "room", "", "room code to join")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.MarkFlagRequired("room")
	cmd.MarkFlagRequired("user")
	return cmd
}

func runPlay(ctx context.Context, configPath, url, room, user, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if url == "" {
		url = cfg.Client.URL
	}
	if url == "" {
		url = "ws://localhost:8080/ws"
	}
	if name == "" {
		name = user
	}
	defaultSeconds := cfg.Client.DefaultQuestionSeconds
	if defaultSeconds == 0 {
		defaultSeconds = 30
	}

	conn := client.NewConnector(client.Options{
		URL:            url,
		ConnectTimeout: config.TTLDuration(cfg.Client.ConnectTimeout, 0),
		RequestTimeout: config.TTLDuration(cfg.Client.RequestTimeout, 0),
	})
	defer conn.Close()

	presence := client.NewPresence(conn)
	defer presence.Close()
	machine := client.NewSessionMachine(conn, presence, client.SessionOptions{
		DefaultQuestionSeconds: defaultSeconds,
	})
	defer machine.Close()

	joined, err := presence.JoinRoom(ctx, room, domain.ParseUserID(user), name)
	if err != nil {
		return err
	}
	fmt.Printf("joined %s (%d in room), host=%v\n", joined.Code, len(joined.Participants), presence.IsHost())
	fmt.Println("commands: start | next | <option number> | submit | quit")

	updates, cancel := machine.Subscribe()
	defer cancel()
	go renderLoop(updates)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "quit":
			presence.LeaveRoom(ctx)
			return nil
		case line == "start":
			if err := machine.StartQuiz(ctx); err != nil {
				log.Printf("start failed: %v", err)
			}
		case line == "next":
			if err := machine.AdvanceToNext(); err != nil {
				log.Printf("next failed: %v", err)
			}
		case line == "submit":
			if err := machine.SubmitAnswer(); err != nil {
				log.Printf("submit failed: %v", err)
			}
		case line != "":
			if n, err := strconv.Atoi(line); err == nil {
				machine.SelectAnswer(domain.AnswerValue{OptionIndex: &n})
			} else {
				machine.SelectAnswer(domain.AnswerValue{Text: line})
			}
			if err := machine.SubmitAnswer(); err != nil {
				log.Printf("submit failed: %v", err)
			}
		}
	}
	presence.LeaveRoom(ctx)
	return scanner.Err()
}

func renderLoop(updates <-chan client.Snapshot) {
	var lastState client.State
	lastRemaining := -1
	for snap := range updates {
		if snap.State != lastState {
			lastState = snap.State
			fmt.Printf("-- %s --\n", snap.State)
		}
		switch snap.State {
		case client.StateQuestionActive:
			s := snap.Session
			if s == nil {
				continue
			}
			if s.Remaining != lastRemaining {
				lastRemaining = s.Remaining
				if s.Remaining == s.InitialSeconds {
					fmt.Printf("Q%d/%d: %s\n", s.Index+1, s.Total, s.Question.Text)
					for i, opt := range s.Question.Options {
						fmt.Printf("  %d) %s\n", i, opt)
					}
				}
				if s.InitialSeconds > 0 {
					fmt.Printf("  %ds left\n", s.Remaining)
				}
			}
		case client.StateGrading, client.StateCompleted:
			for _, e := range snap.Leaderboard {
				name := e.UserID.String()
				for _, p := range snap.Room.Participants {
					if p.ID == e.UserID {
						name = p.DisplayName
						break
					}
				}
				fmt.Printf("  #%d %s %d pts\n", e.Rank, name, e.Points)
			}
			if snap.State == client.StateCompleted {
				fmt.Println("quiz finished")
			}
		}
	}
}
