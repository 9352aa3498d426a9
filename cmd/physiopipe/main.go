package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fit4life/physiopipe/internal/genai"
	"github.com/fit4life/physiopipe/internal/models"
	"github.com/fit4life/physiopipe/internal/orchestrator"
	"github.com/fit4life/physiopipe/internal/respond"
	"github.com/fit4life/physiopipe/internal/session"
	"github.com/fit4life/physiopipe/internal/store"
	"github.com/fit4life/physiopipe/internal/util"
	"github.com/fit4life/physiopipe/internal/voice"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for physiopipe state data
	DefaultStateDir = "/var/lib/physiopipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "physiopipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping physiopipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "openaiKeySet", *flags.openaiKey != "", "migrate", *flags.migrate)
	if err := run(ctx, flags); err != nil {
		slog.Error("physiopipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("physiopipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	PatientID   string
	Migrate     bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	patientID *string
	migrate   *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("PHYSIOPIPE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		PatientID:   os.Getenv("PHYSIOPIPE_PATIENT_ID"),
		Migrate:     util.ParseBoolEnv("PHYSIOPIPE_MIGRATE", false),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PHYSIOPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("PHYSIOPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PHYSIOPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"PHYSIOPIPE_PATIENT_ID_SET", config.PatientID != "",
		"PHYSIOPIPE_MIGRATE", config.Migrate)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for physiopipe data (overrides $PHYSIOPIPE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the patient store (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		patientID: flag.String("patient-id", config.PatientID, "patient identity for session tracking (overrides $PHYSIOPIPE_PATIENT_ID)"),
		migrate:   flag.Bool("migrate", config.Migrate, "apply the store schema on startup (overrides $PHYSIOPIPE_MIGRATE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"patientIDSet", *flags.patientID != "",
		"migrate", *flags.migrate)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore selects the store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	opts := []store.Option{store.WithDSN(*flags.dbDSN)}
	if *flags.migrate {
		opts = append(opts, store.WithMigrations())
	}
	if strings.Contains(*flags.dbDSN, "postgres://") || strings.Contains(*flags.dbDSN, "host=") {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(opts...)
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(opts...)
}

// buildProvider configures the language-model provider, or returns nil for
// offline operation when no API key is available.
func buildProvider(flags Flags) genai.ClientInterface {
	if *flags.openaiKey == "" {
		slog.Info("No OpenAI API key configured, running in offline mode")
		return nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("Failed to configure language-model provider, running in offline mode", "error", err)
		return nil
	}
	return client
}

func run(ctx context.Context, flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open patient store: %w", err)
	}
	defer st.Close()

	patientID := *flags.patientID
	if patientID == "" {
		patientID = util.GeneratePatientID()
		slog.Debug("No patient identity configured, generated anonymous identity", "patientID", patientID)
	}

	generator := respond.NewGenerator(buildProvider(flags))

	// Terminal sessions have no capture or synthesis engine; the voice
	// service degrades to text-only operation.
	voiceSvc := voice.NewService(nil, nil)
	caps := voiceSvc.Capabilities()
	slog.Info("Voice capabilities detected",
		"speechRecognition", caps.SpeechRecognition, "speechSynthesis", caps.SpeechSynthesis, "voices", caps.Voices)

	sessions := session.NewManager(st, patientID)
	if _, err := sessions.Start(nil); err != nil {
		if errors.Is(err, models.ErrBackendUnavailable) {
			slog.Error("Database tables need to be created, continuing without session tracking", "error", err)
		} else {
			return fmt.Errorf("failed to start patient session: %w", err)
		}
	}
	sessions.LogInteraction(models.InteractionConversationStart, map[string]any{"method": "text"})

	orch := orchestrator.New(generator, sessions, voiceSvc)
	defer func() {
		if err := orch.Close(); err != nil {
			slog.Warn("Failed to close conversation cleanly", "error", err)
		}
	}()

	welcome, err := orch.Boot(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("agent> %s\n", welcome.Text)

	return readLoop(ctx, orch)
}

// readLoop drives the conversation from stdin until EOF, interrupt, or an
// explicit quit command.
func readLoop(ctx context.Context, orch *orchestrator.Orchestrator) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil
		case line == "/exercise":
			msg, err := orch.TransitionToExercise(ctx)
			if err != nil {
				slog.Error("Exercise hand-off failed", "error", err)
				continue
			}
			fmt.Printf("agent> %s\n", msg.Text)
		case strings.HasPrefix(line, "/feedback "):
			feedback := strings.TrimPrefix(line, "/feedback ")
			if err := orch.RecordExerciseFeedback(ctx, feedback); err != nil {
				slog.Error("Failed to record exercise feedback", "error", err)
				continue
			}
			if feedback == orchestrator.FeedbackBetter {
				fmt.Println("agent> Great to hear you're feeling better. Take care!")
				return nil
			}
			fmt.Println("agent> Since the pain persists, let's book you a physiotherapy appointment. Type /book to confirm.")
		case line == "/book":
			booking, err := orch.ConfirmBooking(ctx)
			if err != nil {
				slog.Error("Booking confirmation failed", "error", err)
				continue
			}
			fmt.Printf("agent> Your appointment is booked for %s. Reference: %s\n",
				booking.Appointment.Format("Monday, 2 January 2006"), booking.BookingID)
			return nil
		default:
			reply, err := orch.HandleUserInput(ctx, line, false, 0)
			if err != nil {
				slog.Error("Conversation turn failed", "error", err)
				continue
			}
			if reply.ID != "" {
				fmt.Printf("agent> %s\n", reply.Text)
			}
		}
	}
}
