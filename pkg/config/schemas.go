package config

// configSchema constrains config files written in CUE. #Config is closed, so
// a misspelled field is an error rather than silently ignored.
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Config: {
	store?: {
		path?:         string & !=""
		maxOpenConns?: int & >0
	}

	secrets?: {
		key?:     =~"^[0-9a-fA-F]{64}$"
		keyFile?: string
	}

	cache?: {
		backend?:     "none" | "redis" | "sqlite"
		redisUrl?:    =~"^rediss?://"
		prefix?:      string
		localSize?:   int & >0
		localTtl?:    #Duration
		loadTimeout?: #Duration
		ttl?: {
			connectionDefinition?: #Duration
			modelDefinition?:      #Duration
			oauthDefinition?:      #Duration
			commonModel?:          #Duration
		}
	}

	sandbox?: {
		timeout?:  #Duration
		maxSteps?: int & >0
	}

	credentials?: {
		guardWindow?:    #Duration
		refreshTimeout?: #Duration
		tokenTimeout?:   #Duration
	}

	http?: {
		requestTimeout?:   #Duration
		maxResponseBytes?: int & >0
	}

	definitions?: paths?: [...string]

	policy?: {
		paths?: [...string]
		disableBuiltin?: bool
	}

	telemetry?: {
		environment?:    "development" | "production"
		logLevel?:       "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		logFormat?:      "console" | "json"
		traceExporter?:  "none" | "stdout" | "otlp"
		traceEndpoint?:  string
		samplingRate?:   number & >=0 & <=1
		metricsAddress?: string
		events?:         bool
	}
}
`
