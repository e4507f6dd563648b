package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "auto",
			Host:      "http://localhost:8080/",
		},
		Storage: StorageConfig{
			DownloadDir: "~/.mediahelper/downloads",
			TmpDir:      "~/.mediahelper/tmp",
			MaxFileSize: "100MB",
			StaleAfter:  "6h",
		},
		Retrieval: RetrievalConfig{
			MaxUserQueueSize:   3,
			CacheTTL:           "24h",
			CacheSweepInterval: "1h",
			HTTPTimeout:        "30s",
		},
		Transcode: TranscodeConfig{
			Bin:            "ffmpeg",
			Timeout:        "5m",
			MaxConcurrency: 4,
		},
		Downloader: DownloaderConfig{
			Bin:     "yt-dlp",
			Timeout: "10m",
		},
		RapidAPI: RapidAPIConfig{
			InstagramPerMinute: 240,
			AutolinkPerSecond:  3,
		},
		Browser: BrowserConfig{
			Enabled:  false,
			Headless: true,
		},
		Channels: ChannelsConfig{
			HTTP: HTTPConfig{
				Listen: "127.0.0.1:9090",
				Path:   "/api/retrieve",
			},
		},
		History: HistoryConfig{
			Enabled: false,
			DBPath:  "~/.mediahelper/history.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
