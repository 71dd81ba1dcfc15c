package torrent

import (
	"log"

	"github.com/mitchellh/colorstring"
)

// logInfo, logWarn and logFail keep the teacher's bracketed-tag log
// convention ("[INFO]\t...") but colorize the tag with ANSI escapes.
// The escapes are emitted whether or not the output is a terminal,
// so a log piped to a file contains them too.
func logInfo(format string, args ...interface{}) {
	log.Printf(colorstring.Color("[green][INFO][reset]\t"+format), args...)
}

func logWarn(format string, args ...interface{}) {
	log.Printf(colorstring.Color("[yellow][WARN][reset]\t"+format), args...)
}

func logFail(format string, args ...interface{}) {
	log.Printf(colorstring.Color("[red][FAIL][reset]\t"+format), args...)
}
