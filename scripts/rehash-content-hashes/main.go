// Command rehash-content-hashes recomputes content_hash for persisted
// response traces after a hash algorithm version bump, re-anchoring old rows
// on the current scheme:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-content-hashes
//
// Each trace is joined to its committed message pair, rehashed with the
// current algorithm, and updated where the stored hash differs. Traces with
// no committed messages (fallback turns that never finalized) are skipped;
// their hash covered in-flight content the database cannot reconstruct.
//
// Running it again is harmless. With every hash current it reports zero
// updates and exits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kagami/internal/integrity"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT t.id, t.effective_conversation_id, um.content, am.content,
		        t.final_state, t.decision, t.created_at, t.content_hash
		 FROM response_traces t
		 JOIN messages um ON um.id = t.user_message_id
		 JOIN messages am ON am.id = t.assistant_message_id
		 ORDER BY t.created_at ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type staleRow struct {
		id   uuid.UUID
		hash string
	}

	var stale []staleRow
	var total int
	for rows.Next() {
		var (
			content    integrity.TurnContent
			storedHash string
		)
		if err := rows.Scan(&content.TraceID, &content.ConversationID,
			&content.UserContent, &content.AssistantContent,
			&content.FinalState, &content.Decision, &content.CreatedAt,
			&storedHash,
		); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		total++
		expected := integrity.ComputeContentHash(content)
		if storedHash != expected {
			stale = append(stale, staleRow{content.TraceID, expected})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d traces, %d have stale hashes\n", total, len(stale))

	if len(stale) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	updated := 0
	for _, r := range stale {
		tag, err := pool.Exec(ctx,
			`UPDATE response_traces SET content_hash = $1 WHERE id = $2`,
			r.hash, r.id)
		if err != nil {
			log.Printf("update %s: %v", r.id, err)
			continue
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}

	fmt.Printf("updated %d/%d stale hashes\n", updated, len(stale))
	return nil
}
