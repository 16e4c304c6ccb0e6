package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "rulewise"}

	root.AddCommand(serveCMD(), migrateCMD())
	_ = root.Execute()
}
