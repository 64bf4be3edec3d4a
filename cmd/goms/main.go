// Command goms runs the ESMTP session engine as a standalone daemon.
package main

import (
	"flag"

	"github.com/abligh/goms/smtpd"
)

func main() {
	flag.Parse()
	smtpd.Run(nil)
}
