package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aethon-voice/aethon-core/pkg/audio"
	"github.com/aethon-voice/aethon-core/pkg/httpapi"
	"github.com/aethon-voice/aethon-core/pkg/memory"
	"github.com/aethon-voice/aethon-core/pkg/metrics"
	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
	llmProvider "github.com/aethon-voice/aethon-core/pkg/providers/llm"
	sttProvider "github.com/aethon-voice/aethon-core/pkg/providers/stt"
	ttsProvider "github.com/aethon-voice/aethon-core/pkg/providers/tts"
	"github.com/aethon-voice/aethon-core/pkg/tools"
	"github.com/aethon-voice/aethon-core/pkg/wake"
)

const sampleRate = 44100

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	ollamaHost := os.Getenv("OLLAMA_HOST")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttProviderName := envOr("STT_PROVIDER", "groq")
	llmProviderName := envOr("LLM_PROVIDER", "groq")

	lang := orchestrator.Language(os.Getenv("AGENT_LANGUAGE"))
	if lang == "" {
		lang = orchestrator.LanguageEn
	}

	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}

	logger := orchestrator.NewSlogLogger(slog.Default())

	stt, err := buildSTT(sttProviderName, groqKey, openaiKey, deepgramKey, assemblyKey)
	if err != nil {
		log.Fatal(err)
	}
	if s, ok := stt.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(sampleRate)
	}

	llm, err := buildLLM(llmProviderName, groqKey, openaiKey, anthropicKey, googleKey, ollamaHost)
	if err != nil {
		log.Fatal(err)
	}
	if !llm.CheckConnection(context.Background()) {
		log.Fatal("Error: could not reach the configured LLM backend")
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	wakeEnabled := envOr("WAKE_ENABLED", "false") == "true"
	var wakeDetector orchestrator.WakeProvider
	if wakeEnabled {
		wakeDetector = wake.NewEnergyGate(0.25, 0.12, 10)
	} else {
		wakeDetector = wake.Disabled{}
	}

	memStore := memory.NewInMemoryStore(200)

	cfg := orchestrator.DefaultConfig()
	cfg.SampleRate = sampleRate
	cfg.Language = lang
	if addr := os.Getenv("AGENT_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	reg := metrics.New()

	normalizer := orchestrator.NewNormalizer(1.0, cfg.AGCTargetRMS)
	device, err := audio.NewDeviceManager(cfg.SampleRate, 64, cfg.PlaybackQueueDepth, normalizer, logger)
	if err != nil {
		log.Fatal(err)
	}
	device.SetDropHook(reg.PlaybackDropped.Inc)

	pipeline := orchestrator.NewPipeline(device, stt, llm, tts, wakeDetector, nil, memStore, cfg, logger, reg)
	pipeline.SetTools(tools.Declarations(), tools.Executor)

	session := pipeline.Session()
	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	pipeline.Orchestrator().SetSystemPrompt(session, systemPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pipeline.Load(ctx); err != nil {
		log.Fatal(err)
	}
	defer pipeline.Close()

	server := httpapi.New(pipeline, cfg.HTTPAddr, logger, reg)
	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			logger.Error("control surface stopped", "error", err)
		}
	}()

	go pollAGCGain(ctx, normalizer, reg)

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=lokutor | wake_enabled=%v\n", sttProviderName, llmProviderName, wakeEnabled)
	fmt.Printf("Sample rate: %dHz | Language: %s | Control surface: http://%s\n", cfg.SampleRate, lang, cfg.HTTPAddr)
	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	runDone := make(chan error, 1)
	go func() { runDone <- pipeline.Run(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		fmt.Println("\nShutting down...")
		pipeline.RequestStop()
		cancel()
	case err := <-runDone:
		if err != nil {
			logger.Error("pipeline loop exited", "error", err)
		}
	}

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		logger.Warn("pipeline did not stop within grace period")
	}
}

// pollAGCGain samples the capture normalizer's current automatic gain
// multiplier into the metrics registry until ctx is done.
func pollAGCGain(ctx context.Context, normalizer *orchestrator.Normalizer, reg *metrics.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.AGCGain.Set(normalizer.Gain())
		case <-ctx.Done():
			return
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildSTT(name, groqKey, openaiKey, deepgramKey, assemblyKey string) (orchestrator.STTProvider, error) {
	switch name {
	case "openai":
		if openaiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai STT")
		}
		return sttProvider.NewOpenAISTT(openaiKey, "whisper-1"), nil
	case "deepgram":
		if deepgramKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		return sttProvider.NewDeepgramSTT(deepgramKey), nil
	case "assemblyai":
		if assemblyKey == "" {
			return nil, fmt.Errorf("ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		return sttProvider.NewAssemblyAISTT(assemblyKey), nil
	case "groq", "":
		if groqKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq STT")
		}
		model := envOr("GROQ_STT_MODEL", "whisper-large-v3-turbo")
		return sttProvider.NewGroqSTT(groqKey, model), nil
	default:
		return nil, fmt.Errorf("unknown STT_PROVIDER %q", name)
	}
}

func buildLLM(name, groqKey, openaiKey, anthropicKey, googleKey, ollamaHost string) (orchestrator.LLMProvider, error) {
	switch name {
	case "ollama":
		return llmProvider.NewOllamaLLM(ollamaHost, envOr("OLLAMA_MODEL", "llama3"))
	case "openai":
		if openaiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai LLM")
		}
		return llmProvider.NewOpenAILLM(openaiKey, "gpt-4o"), nil
	case "anthropic":
		if anthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		return llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022"), nil
	case "google":
		if googleKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY must be set for google LLM")
		}
		return llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash"), nil
	case "groq", "":
		if groqKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq LLM")
		}
		return llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile"), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", name)
	}
}
