// Command mountload mounts a remote SFTP directory locally while
// transparently mirroring every byte a reader touches to disk.
package main

import "github.com/gmta/mountload/cmd/mountload/cmd"

func main() {
	cmd.Execute()
}
