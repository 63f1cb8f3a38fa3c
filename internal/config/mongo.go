package config

import "time"

// Defaults used when the document store is not configured.
const (
	DefaultMongoURI      = "mongodb://localhost:27017"
	DefaultMongoDatabase = "patient_care"
)

// MongoConfig describes how to reach the document store.
//
// The address is read from MONGODB_URI, then MONGO_URL, then DATABASE_URL,
// and falls back to DefaultMongoURI.  The database name comes from MONGODB_DB
// and falls back to DefaultMongoDatabase.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// LoadMongoConfig resolves the document store settings from the environment.
func LoadMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            firstEnv(DefaultMongoURI, "MONGODB_URI", "MONGO_URL", "DATABASE_URL"),
		Database:       envStr("MONGODB_DB", DefaultMongoDatabase),
		ConnectTimeout: envDur("MONGODB_CONNECT_TIMEOUT", 5*time.Second),
	}
}
