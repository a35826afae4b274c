package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scribe.town/db"
	"scribe.town/etc"
	"scribe.town/llm"
	"scribe.town/pipeline"
	"scribe.town/segment"
	"scribe.town/stt"
	"scribe.town/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(listRecordingsCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(migrateCmd)

	transcribeCmd.Flags().String("title", "", "Recording title (defaults to the file name)")

	// Add persistent flags
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("provider", "openai", "Transcription provider (openai or local)")
	rootCmd.PersistentFlags().String("model", "whisper-1", "Transcription model")
	rootCmd.PersistentFlags().String("language", "", "Transcription language hint")
	rootCmd.PersistentFlags().String("db", "scribe.db", "SQLite database path")
	rootCmd.PersistentFlags().String("data-dir", "data", "Directory for uploaded recordings and chunks")
	rootCmd.PersistentFlags().Int("http-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("max-concurrent", 2, "Concurrent chunk transcriptions per recording")
	rootCmd.PersistentFlags().Int64("chunk-threshold-bytes", pipeline.DefaultChunkThreshold,
		"File size above which recordings are split into chunks")

	// Bind flags to viper
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
	viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag("language", rootCmd.PersistentFlags().Lookup("language"))
	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag(
		"max_concurrent",
		rootCmd.PersistentFlags().Lookup("max-concurrent"),
	)
	viper.BindPFlag(
		"chunk_threshold_bytes",
		rootCmd.PersistentFlags().Lookup("chunk-threshold-bytes"),
	)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe transcribes audio recordings progressively",
	Long:  `Scribe splits long audio files into overlapping chunks, transcribes them concurrently, and reassembles a clean transcript while the work is still running.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Run:   runServe,
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe a local audio file",
	Long:  `Register a local audio file as a recording and run it through the chunk pipeline, printing the transcript when done.`,
	Args:  cobra.ExactArgs(1),
	Run:   runTranscribe,
}

var listRecordingsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recordings in a cool table",
	Run:   runListRecordings,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <recordingID>",
	Short: "Summarize a finished transcript using OpenAI",
	Args:  cobra.ExactArgs(1),
	Run:   runSummarize,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Run:   runMigrate,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func openStore(sqlLogger *log.Logger) (*db.DB, error) {
	return db.Open(viper.GetString("db_path"), sqlLogger)
}

// engineFactory picks a transcription engine per recording, falling back to
// the configured defaults when the recording does not name its own.
func engineFactory(workLogger *log.Logger) func(db.Recording) stt.Transcriber {
	return func(rec db.Recording) stt.Transcriber {
		provider := rec.Provider
		if provider == "" {
			provider = viper.GetString("provider")
		}
		model := rec.Model
		if model == "" {
			model = viper.GetString("model")
		}

		switch provider {
		case "local":
			return stt.NewLocal(model, workLogger)
		default:
			return stt.NewOpenAI(viper.GetString("openai_api_key"), model, workLogger)
		}
	}
}

func buildRunner(store *db.DB, workLogger *log.Logger) (*pipeline.Runner, *pipeline.Registry) {
	cfg := pipeline.DefaultConfig()
	if n := viper.GetInt("max_concurrent"); n > 0 {
		cfg.MaxConcurrent = n
	}

	engineFor := engineFactory(workLogger)
	registry := pipeline.NewRegistry(store, engineFor, cfg, workLogger)

	runner := &pipeline.Runner{
		Store:          store,
		Registry:       registry,
		Segmenter:      segment.NewSegmenter(segment.DefaultConfig(), store, workLogger),
		EngineFor:      engineFor,
		ChunkThreshold: viper.GetInt64("chunk_threshold_bytes"),
		Logger:         workLogger,
	}
	return runner, registry
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, httpLogger, workLogger, sqlLogger := createLoggers()

	store, err := openStore(sqlLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	dataDir := viper.GetString("data_dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		mainLogger.Fatal("create data dir", "error", err.Error())
	}

	runner, registry := buildRunner(store, workLogger)

	handler := &web.Handler{
		Store:    store,
		Registry: registry,
		Runner:   runner,
		DataDir:  dataDir,
		Provider: viper.GetString("provider"),
		Model:    viper.GetString("model"),
		Language: viper.GetString("language"),
		Logger:   httpLogger,
	}

	r := chi.NewRouter()
	handler.Routes(r)

	port := viper.GetInt("http_port")
	mainLogger.Info(fmt.Sprintf("Starting HTTP server on port %d", port))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Fatal("start HTTP server", "error", err.Error())
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	mainLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLogger.Error("http shutdown", "error", err.Error())
	}
}

func runTranscribe(cmd *cobra.Command, args []string) {
	mainLogger, _, workLogger, sqlLogger := createLoggers()

	store, err := openStore(sqlLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	path, err := filepath.Abs(args[0])
	if err != nil {
		mainLogger.Fatal("resolve path", "error", err.Error())
	}

	info, err := os.Stat(path)
	if err != nil {
		mainLogger.Fatal("stat audio file", "error", err.Error())
	}

	title, _ := cmd.Flags().GetString("title")
	if title == "" {
		title = filepath.Base(path)
	}

	rec := db.Recording{
		ID:       etc.NewFreshID(),
		Title:    title,
		FilePath: path,
		FileSize: info.Size(),
		Provider: viper.GetString("provider"),
		Model:    viper.GetString("model"),
		Language: viper.GetString("language"),
	}
	if err := store.CreateRecording(rec); err != nil {
		mainLogger.Fatal("create recording", "error", err.Error())
	}

	mainLogger.Info("transcribing", "id", rec.ID, "file", path)

	runner, registry := buildRunner(store, workLogger)

	ctx := context.Background()
	if err := runner.Process(ctx, rec); err != nil {
		mainLogger.Fatal("transcribe", "error", err.Error())
	}

	// The chunked path returns once segmentation is done; poll the
	// transcript until the scheduler drains.
	for {
		t, err := store.GetTranscript(rec.ID)
		if err != nil {
			mainLogger.Fatal("fetch transcript", "error", err.Error())
		}

		if t.Status == db.StatusCompleted {
			fmt.Println(t.Text)
			break
		}
		if t.Status == db.StatusFailed {
			mainLogger.Fatal("transcription failed", "error", t.Error)
		}

		mainLogger.Info("in progress", "progress", fmt.Sprintf("%d%%", t.Progress))
		time.Sleep(2 * time.Second)
	}

	registry.Remove(rec.ID)
}

func runListRecordings(cmd *cobra.Command, args []string) {
	mainLogger, _, _, sqlLogger := createLoggers()

	store, err := openStore(sqlLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	recs, err := store.ListRecordings(100)
	if err != nil {
		mainLogger.Fatal("fetch recordings", "error", err.Error())
	}

	if len(recs) == 0 {
		fmt.Println("No recordings found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created At", "Title", "Duration", "Status", "Progress"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, rec := range recs {
		status, progress := "", ""
		if t, err := store.GetTranscript(rec.ID); err == nil {
			status = t.Status
			progress = fmt.Sprintf("%d%%", t.Progress)
		}

		table.Append([]string{
			rec.ID,
			etc.JulianDayToTime(rec.CreatedAt).Format("2006-01-02 15:04:05"),
			rec.Title,
			etc.FormatSeconds(rec.Duration),
			status,
			progress,
		})
	}

	table.Render()
}

func runSummarize(cmd *cobra.Command, args []string) {
	mainLogger, _, _, sqlLogger := createLoggers()

	store, err := openStore(sqlLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	openaiAPIKey := viper.GetString("openai_api_key")
	if openaiAPIKey == "" {
		mainLogger.Fatal("missing OPENAI_API_KEY or --openai-api-key=")
	}

	summary, err := llm.SummarizeTranscript(
		context.Background(),
		openaiAPIKey,
		args[0],
		store,
	)
	if err != nil {
		mainLogger.Fatal("summarize transcript", "error", err.Error())
	}

	fmt.Println(summary)
}

func runMigrate(cmd *cobra.Command, args []string) {
	mainLogger, _, _, sqlLogger := createLoggers()

	store, err := openStore(sqlLogger)
	if err != nil {
		mainLogger.Fatal("migrate database", "error", err.Error())
	}
	store.Close()

	mainLogger.Info("database is up to date")
}

func createLoggers() (mainLogger, httpLogger, workLogger, sqlLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	httpLogger = logger.With().WithPrefix("http")
	workLogger = logger.With().WithPrefix("work")
	sqlLogger = logger.With().WithPrefix("data")

	return
}
