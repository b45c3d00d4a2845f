// Package main provides the entry point for the obs-sync CLI.
package main

import "github.com/FlowingSPDG/obs-sync/cmd"

func main() {
	cmd.Execute()
}
