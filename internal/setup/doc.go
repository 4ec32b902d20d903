// Package setup locates the cloud credentials and prepares the local state
// directories used by the CLI.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
