// Package consts houses some constants needed across k6bidi
package consts

// Version contains the current semantic version of k6bidi.
const Version = "0.1.0"

// Banner is printed by the CLI when it is not running quietly.
const Banner = `  _    __  _     _     _ _
 | | _/ /_| |__ (_) __| (_)
 | |/ / '_ \ '_ \| |/ _` + "`" + ` | |
 |   <| (_) | |_) | | (_| | |
 |_|\_\\___/|_.__/|_|\__,_|_|`
