// recordgen appends synthetic records to an NDJSON file at a fixed rate, for
// exercising the streamer's replay and live-watch paths.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/user/eventlog-streamer/internal/domain"
)

var messages = []string{
	"service started",
	"configuration reloaded",
	"disk space low",
	"connection refused by peer",
	"scheduled task completed",
	"credential validation failed",
}

var entryTypes = []domain.EntryType{
	domain.EntryTypeInformation,
	domain.EntryTypeInformation,
	domain.EntryTypeWarning,
	domain.EntryTypeError,
}

func main() {
	out := flag.String("out", "records.ndjson", "Output file to append records to")
	source := flag.String("source", "recordgen", "Source name stamped on each record")
	rps := flag.Int("rps", 10, "Records per second")
	duration := flag.Duration("d", 30*time.Second, "How long to generate records")
	flag.Parse()

	f, err := os.OpenFile(*out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("open %s: %v", *out, err)
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	runID := uuid.NewString()
	log.Printf("Appending to %s for %s at %d records/s (run %s)", *out, *duration, *rps, runID)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 1)

	var written int
	for index := 1; ; index++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		instanceID := int64(rand.Intn(1 << 16))
		now := time.Now()
		rec := domain.Record{
			LogName:        *out,
			CategoryNumber: 0,
			EntryType:      entryTypes[rand.Intn(len(entryTypes))],
			EventID:        instanceID,
			Index:          index,
			InstanceID:     instanceID,
			MachineName:    hostname,
			Message:        messages[rand.Intn(len(messages))] + " (" + runID + ")",
			Source:         *source,
			TimeGenerated:  now,
			TimeWritten:    now,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			log.Fatalf("marshal: %v", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			log.Fatalf("write: %v", err)
		}
		written++
	}

	log.Printf("Wrote %d records", written)
}
