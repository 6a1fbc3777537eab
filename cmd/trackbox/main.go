// Command trackbox connects to a GNSS lap-timer device, decodes its
// telemetry stream, times laps against a configured track, and serves
// the results over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/trackbox/internal/api"
	"github.com/banshee-data/trackbox/internal/command"
	"github.com/banshee-data/trackbox/internal/db"
	"github.com/banshee-data/trackbox/internal/devicemux"
	"github.com/banshee-data/trackbox/internal/pipeline"
	"github.com/banshee-data/trackbox/internal/session"
	"github.com/banshee-data/trackbox/internal/telemetry"
	"github.com/banshee-data/trackbox/internal/timeutil"
	"github.com/banshee-data/trackbox/internal/track"
	"github.com/banshee-data/trackbox/internal/units"
	"github.com/banshee-data/trackbox/internal/version"
)

var (
	devMode   = flag.Bool("dev", false, "Replay a fixture file instead of opening a device")
	fixture   = flag.String("fixture", "fixtures.bin", "Raw capture to replay in dev mode")
	portPath  = flag.String("port", "/dev/rfcomm0", "Device port path")
	listen    = flag.String("listen", ":8080", "Listen address")
	dbFile    = flag.String("db", "trackbox.db", "Database path")
	tracksYML = flag.String("tracks", "tracks.yaml", "Track library path")
	trackName = flag.String("track", "", "Track to time against (required)")
	model     = flag.String("model", "pro", "Device model: pro or micro")
	unitsFlag = flag.String("units", units.KPH, "Default speed units for the API")
)

// replayChunk paces fixture replay to roughly the live data rate.
const replayChunk = 256

func deviceModel(name string) telemetry.DeviceModel {
	if name == "micro" {
		return telemetry.ModelMicro
	}
	return telemetry.ModelPro
}

// openPort returns the device port, or in dev mode a mock fed from the
// fixture file.
func openPort() (devicemux.DevicePorter, error) {
	if !*devMode {
		return devicemux.Open(*portPath, devicemux.DefaultPortMode())
	}

	data, err := os.ReadFile(*fixture)
	if err != nil {
		return nil, err
	}
	mock := devicemux.NewMockPort()
	go func() {
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if len(data) == 0 {
				return
			}
			n := min(replayChunk, len(data))
			mock.AddReadData(data[:n])
			data = data[n:]
		}
	}()
	return mock, nil
}

func main() {
	flag.Parse()
	log.Printf("trackbox %s", version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *trackName == "" {
		log.Fatal("Track name is required (-track)")
	}

	library, err := track.LoadLibrary(*tracksYML)
	if err != nil {
		log.Fatalf("Failed to load track library: %v", err)
	}
	geom, ok := library.Find(*trackName)
	if !ok {
		log.Fatalf("Track %q not found in %s", *trackName, *tracksYML)
	}

	port, err := openPort()
	if err != nil {
		log.Fatalf("Failed to open device port: %v", err)
	}
	mux := devicemux.NewMux(port)
	defer mux.Close()

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	m := deviceModel(*model)
	cmd := command.New(mux, timeutil.RealClock{}, command.DefaultTimeout, &telemetry.Decoder{Model: m})
	pipe := pipeline.New(pipeline.Config{
		Model:    m,
		Commands: cmd,
		Detector: track.NewDetector(geom),
	})

	trackRecord, _, err := database.TrackRecord(geom.Name)
	if err != nil {
		log.Fatalf("Failed to load track record: %v", err)
	}

	agg := session.NewAggregator(trackRecord,
		func(lap session.LapRecord) {
			if err := database.InsertLap(lap); err != nil {
				log.Printf("failed to record lap %d: %v", lap.Number, err)
			}
			pipe.PublishLap(lap)
			log.Printf("lap %d: %s (valid=%v)", lap.Number, units.FormatLapTime(lap.Duration), lap.Valid)
		},
		func(lap session.LapRecord) {
			if err := database.UpsertTrackRecord(geom.Name, lap); err != nil {
				log.Printf("failed to store track record: %v", err)
			}
			log.Printf("new track record at %s: %s", geom.Name, units.FormatLapTime(lap.Duration))
		},
		func(sessionID string, samples []telemetry.Sample) {
			// the flushed slice is ours; persist off the decode path
			go func() {
				if err := database.InsertSamples(sessionID, samples); err != nil {
					log.Printf("failed to flush %d samples: %v", len(samples), err)
				}
			}()
		},
	)
	pipe.SetAggregator(agg)

	rec := agg.Start(geom, time.Now())
	if err := database.InsertSession(rec); err != nil {
		log.Fatalf("Failed to record session: %v", err)
	}
	log.Printf("session %s started at %s", rec.ID, geom.Name)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the device port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx, pipe.OnBytes); err != nil && err != context.Canceled {
			log.Printf("failed to monitor device port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// the decode pipeline owns all detector and session state
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiMux := api.NewServer(pipe, database, *unitsFlag).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(apiMux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// finalize: fail pending commands, keep any interrupted lap, flush
	// the remaining sample buffer, close the session row
	now := time.Now()
	pipe.Shutdown(now)
	if final := agg.End(now); final != nil {
		if err := database.CloseSession(final.ID, now); err != nil {
			log.Printf("failed to close session: %v", err)
		}
		log.Printf("session %s closed with %d laps", final.ID, len(final.Laps))
	}
	log.Printf("Graceful shutdown complete")
}
