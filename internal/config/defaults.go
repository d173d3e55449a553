package config

const (
	defaultDataDir   = "~/.local/share/photopipe"
	defaultLogDir    = "~/.local/share/photopipe/logs"
	defaultExportDir = "~/.local/share/photopipe/exports"
	defaultCacheDir  = "~/.cache/photopipe"
	defaultAPIBind   = "127.0.0.1:7480"

	defaultKeyPrefix            = "photopipe"
	defaultConnectTimeout       = 3
	defaultPollIntervalMS       = 1000
	defaultPollingConcurrency   = 2
	defaultProcessConcurrency   = 10
	defaultProcessRatePerMinute = 200
	defaultProcessAttempts      = 3
	defaultProcessBackoff       = 5
	defaultExportConcurrency    = 5
	defaultExportRatePerMinute  = 50
	defaultExportAttempts       = 2
	defaultExportBackoff        = 10
	defaultCompletedRetention   = 3600
	defaultFailedRetention      = 86400
	defaultShutdownTimeout      = 30

	defaultGateTimeout       = 600
	defaultBusyRetryAfter    = 30
	defaultUserCooldown      = 10
	defaultRateLimitMaxUsers = 10000
	defaultSweepInterval     = 60

	defaultMaxAssets         = 200
	defaultProgressGrace     = 5
	defaultMinFreeMiB        = 256
	defaultCacheMaxAgeHours  = 24
	defaultDownloadURLExpiry = 900

	defaultVisionBaseURL     = "https://api.openai.com/v1"
	defaultVisionModel       = "gpt-4o-mini"
	defaultVisionTimeout     = 90
	defaultMaxImageEdge      = 1568
	defaultMaxOutputTokens   = 1200
	defaultExiftoolPath      = "exiftool"
	defaultExiftoolTimeout   = 60
	defaultNotifyTimeout     = 10
	defaultLogFormat         = "auto"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			LogDir:    defaultLogDir,
			ExportDir: defaultExportDir,
			CacheDir:  defaultCacheDir,
			APIBind:   defaultAPIBind,
		},
		Queue: Queue{
			KeyPrefix:            defaultKeyPrefix,
			ConnectTimeout:       defaultConnectTimeout,
			PollInterval:         defaultPollIntervalMS,
			PollingConcurrency:   defaultPollingConcurrency,
			ProcessConcurrency:   defaultProcessConcurrency,
			ProcessRatePerMinute: defaultProcessRatePerMinute,
			ProcessAttempts:      defaultProcessAttempts,
			ProcessBackoff:       defaultProcessBackoff,
			ExportConcurrency:    defaultExportConcurrency,
			ExportRatePerMinute:  defaultExportRatePerMinute,
			ExportAttempts:       defaultExportAttempts,
			ExportBackoff:        defaultExportBackoff,
			CompletedRetention:   defaultCompletedRetention,
			FailedRetention:      defaultFailedRetention,
			ShutdownTimeout:      defaultShutdownTimeout,
		},
		Admission: Admission{
			GateTimeout:       defaultGateTimeout,
			BusyRetryAfter:    defaultBusyRetryAfter,
			UserCooldown:      defaultUserCooldown,
			RateLimitMaxUsers: defaultRateLimitMaxUsers,
			SweepInterval:     defaultSweepInterval,
		},
		Export: Export{
			MaxAssets:         defaultMaxAssets,
			ProgressGrace:     defaultProgressGrace,
			MinFreeMiB:        defaultMinFreeMiB,
			CacheMaxAgeHours:  defaultCacheMaxAgeHours,
			DownloadURLExpiry: defaultDownloadURLExpiry,
		},
		Vision: Vision{
			BaseURL:         defaultVisionBaseURL,
			Model:           defaultVisionModel,
			TimeoutSeconds:  defaultVisionTimeout,
			MaxImageEdge:    defaultMaxImageEdge,
			MaxOutputTokens: defaultMaxOutputTokens,
		},
		Metadata: Metadata{
			ExiftoolPath:   defaultExiftoolPath,
			TimeoutSeconds: defaultExiftoolTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Exports:        true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
