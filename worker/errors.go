package worker

import "errors"

var errChainOutOfRange = errors.New("stateline: chain id out of range")
