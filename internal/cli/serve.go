package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quizroom-realtime/internal/app"
	"quizroom-realtime/internal/config"
	"quizroom-realtime/internal/domain"
	"quizroom-realtime/internal/infra/memory"
	pgloader "quizroom-realtime/internal/infra/postgres"
	redisinfra "quizroom-realtime/internal/infra/redis"
	transport "quizroom-realtime/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the session server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	var demoRoom string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port, demoRoom)
		},
	}
	cmd.Flags().StringVar(&demoRoom, "demo-room", "", "create a room backed by the built-in sample quiz at startup")
	return cmd
}

func runServer(ctx context.Context, configPath, portFlag, demoRoom string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var rooms app.RoomRepository
	if redisClient != nil {
		rooms = redisinfra.NewRoomStore(redisClient, redisTTL)
	} else {
		rooms = memory.NewRoomStore()
	}

	service := app.NewRoomService(rooms, quizRepo)
	if demoRoom != "" {
		if err := service.CreateRoom(ctx, demoRoom, "Demo quiz", "quiz-1"); err != nil {
			return err
		}
		log.Printf("demo room %s ready", demoRoom)
	}
	wsHandler := transport.NewWSHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting quizroom server on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides a minimal quiz for demo rooms; swap the loader for
// the Postgres-backed one in production.
func sampleQuizzes() map[string]domain.Quiz {
	mcAnswer := 1
	tfAnswer := 1
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					ID:           "q1",
					Text:         "What is 2 + 2?",
					Type:         domain.MultipleChoice,
					Options:      []string{"3", "4", "5"},
					Points:       100,
					TimerSeconds: 30,
					CorrectIndex: &mcAnswer,
				},
				{
					ID:           "q2",
					Text:         "The sky is green.",
					Type:         domain.TrueFalse,
					Options:      []string{"True", "False"},
					Points:       50,
					TimerSeconds: 15,
					CorrectIndex: &tfAnswer,
				},
			},
		},
	}
}
