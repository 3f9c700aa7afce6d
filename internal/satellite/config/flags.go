package config

import (
	"flag"
	"os"
	"time"

	"github.com/vmdist/satellite/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-b string   image store base directory
//	-m string   master node host
//	-p int      master plain transfer port
//	-q int      master TLS transfer port
//	-o string   server-side copy mode (AUTO, ON, OFF, USER)
//	-i int      transfer idle timeout, minutes
//	-v int      max validity of new versions, days
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes
//     using flagx.FilterArgs, avoiding collisions with other components.
//   - The idle timeout flag is accepted as an integer in minutes and then
//     converted to a time.Duration value.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-b", "-m", "-p", "-q", "-o", "-i", "-v"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.StorePath, "b", config.StorePath, "image store base directory")
	fs.StringVar(&config.MasterHost, "m", config.MasterHost, "master node host")
	fs.IntVar(&config.MasterPlainPort, "p", config.MasterPlainPort, "master plain transfer port")
	fs.IntVar(&config.MasterTLSPort, "q", config.MasterTLSPort, "master TLS transfer port")
	fs.StringVar(&config.SscMode, "o", config.SscMode, "server-side copy mode (AUTO, ON, OFF, USER)")

	idleTimeout := fs.Int("i", int(config.IdleTimeout.Minutes()), "transfer idle timeout (in minutes)")

	fs.IntVar(&config.MaxValidityDays, "v", config.MaxValidityDays, "max validity of new versions (in days)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.IdleTimeout = time.Duration(*idleTimeout) * time.Minute
}
