package main

import (
	"context"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"errandflow/auth"
	"errandflow/board"
	"errandflow/db"
	"errandflow/dispute"
	"errandflow/errand"
	"errandflow/exclusivity"
	"errandflow/rating"
)

func main() {
	ctx := context.Background()
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap database pool")
	}
	defer pool.Close()

	store := errand.NewStore(pool)
	tracker := exclusivity.NewTracker(pool)
	engine := errand.NewEngine(pool, store, tracker)
	resolver := dispute.NewResolver(engine, dispute.NewRepository(pool))

	// The tracker is a derived index; repair any drift before taking traffic.
	repaired, err := tracker.Reconcile(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("reconcile exclusivity tracker")
	}
	if repaired > 0 {
		log.Warn().Int64("repaired", repaired).Msg("exclusivity tracker was out of sync with request store")
	}

	server := &Server{
		authService:   auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET")),
		lifecycle:     engine,
		boardService:  board.NewService(store, tracker),
		resolver:      resolver,
		ratingService: rating.NewService(pool),
		arbiterToken:  os.Getenv("ARBITER_TOKEN"),
		log:           log,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Info().Str("addr", addr).Msg("errandflow api listening")
	if err := http.ListenAndServe(addr, server.Routes()); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
}
