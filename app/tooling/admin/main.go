// This program performs administrative tasks against the block storage of a
// stopped node.
package main

import (
	"fmt"
	"os"

	"github.com/xtalchain/xtal/app/tooling/admin/cmd"
	"github.com/xtalchain/xtal/foundation/logger"
)

func main() {

	// Construct the application logger.
	log, err := logger.New("ADMIN")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cmd.Execute(log); err != nil {
		log.Errorw("admin", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}
