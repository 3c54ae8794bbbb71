// Command podingest is the podcast feed ingestion CLI.
package main

import "github.com/podthemes/podingest/cmd"

func main() {
	cmd.Execute()
}
