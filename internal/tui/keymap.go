package tui

const (
	keyQuit    = "q"
	keyCtrlC   = "ctrl+c"
	keyStart   = "s"
	keyPause   = " "
	keyEnd     = "e"
	keyRetry   = "r"
	keyDegrade = "d"
	keyUp      = "up"
	keyDown    = "down"
)
