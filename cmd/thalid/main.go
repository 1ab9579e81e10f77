// Command thalid runs the Thali discovery/beacon/replication daemon.
package main

import "github.com/thaliproject/thali-go/cmd/thalid/cmd"

func main() {
	cmd.Execute()
}
