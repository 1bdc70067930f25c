package config

// Default returns the baseline configuration before file and environment
// overrides are applied.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:  "~/.local/state/smelter",
			ReportDir: "~/.local/state/smelter/reports",
			LogDir:    "~/.local/state/smelter/logs",
		},
		Gemini: Gemini{
			BaseURL:           "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions",
			FlashModel:        "gemini-flash-lite-latest",
			ProModel:          "gemini-flash-latest",
			RequestsPerMinute: 15,
			TimeoutSeconds:    300,
		},
		DeepSeek: DeepSeek{
			Enabled:           true,
			BaseURL:           "https://api.deepseek.com/v1/chat/completions",
			Model:             "deepseek-chat",
			RequestsPerMinute: 60,
			TimeoutSeconds:    120,
		},
		GitHub: GitHub{
			BaseURL:        "https://api.github.com",
			TimeoutSeconds: 30,
		},
		Scan: Scan{
			Mode:           "large",
			ChangedHours:   24,
			MinLines:       200,
			ExcludeDirs:    []string{"target", "build", "test", "generated", ".git", "node_modules"},
			Extensions:     []string{".java"},
			MaxFilesPerRun: 10,
		},
		State: State{
			MaxRetries: 3,
		},
		Feedback: Feedback{
			MaxIterations:        3,
			CheckIntervalSeconds: 3600,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
