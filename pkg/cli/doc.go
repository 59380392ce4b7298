// Package cli implements the gridjobs command-line interface.
//
// # Overview
//
// gridjobs runs the job controller and manages jobs on behalf of tool
// accounts. Jobs are stored as custom resources in the owner's namespace;
// the controller reconciles them into Kubernetes Jobs, CronJobs and
// Deployments.
//
// # Commands
//
// controller - Run the reconciliation loop and the probe server:
//
//	gridjobs controller [--probe-address :8080]
//
// job - Manage jobs:
//
//	gridjobs job create -f backup.yaml --owner alice
//	gridjobs job get alice/backup [--format yaml]
//	gridjobs job list --owner alice
//	gridjobs job delete alice/backup
//	gridjobs job restart alice/web
//	gridjobs job flush --owner alice
//	gridjobs job logs alice/backup
//	gridjobs job quota --owner alice
//
// # Global Flags
//
//	--config, -c      Engine configuration file (GRIDJOBS_CONFIG)
//	--kubeconfig, -k  Path to kubeconfig file
//	--log-level       Log level: debug, info, warn, error (LOG_LEVEL)
//
// Output-producing commands accept --output/-o (default: stdout) and
// --format/-t (table, json or yaml; default: table).
//
// # Exit Codes
//
//	0  Success
//	1  General error (invalid arguments, execution failure)
//	2  Context canceled or timeout
//
// Version information is embedded at build time using ldflags:
//
//	go build -ldflags="-X 'github.com/gridjobs/engine/pkg/cli.version=1.0.0'"
package cli
