package engine

import (
	"strconv"
	"strings"
)

// mateValue is the centipawn clamp applied to forced-mate scores so that
// streak thresholds compare mates and ordinary evaluations on one scale.
const mateValue = 30000

type searchInfo struct {
	scoreCP int
	mateIn  int
	depth   int
}

// parseInfo extracts score and depth from one "info ..." line. Lines without
// a score (currmove chatter, nps-only updates) are ignored.
func parseInfo(line string) (searchInfo, bool) {
	fields := strings.Fields(line)
	var (
		info     searchInfo
		scoreSet bool
	)

	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				if v, err := strconv.Atoi(fields[i+1]); err == nil {
					info.depth = v
				}
				i++
			}
		case "score":
			if i+2 < len(fields) {
				switch fields[i+1] {
				case "cp":
					if v, err := strconv.Atoi(fields[i+2]); err == nil {
						info.scoreCP = v
						scoreSet = true
					}
				case "mate":
					if v, err := strconv.Atoi(fields[i+2]); err == nil {
						info.mateIn = v
						if v >= 0 {
							info.scoreCP = mateValue
						} else {
							info.scoreCP = -mateValue
						}
						scoreSet = true
					}
				}
				i += 2
			}
		case "pv":
			// principal variation runs to end of line
			i = len(fields)
		}
	}

	return info, scoreSet
}
