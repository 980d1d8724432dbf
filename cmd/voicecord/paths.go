package main

import "tools.zach/dev/voicecord/internal/paths"

// DataPaths aliases [paths.DataDir] for the daemon.
type DataPaths = paths.DataDir
