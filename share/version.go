package wshare

// BuildVersion is replaced at link time by the release build
// ("-ldflags -X github.com/warren-net/warren/share.BuildVersion=...").
var BuildVersion = "0.0.0-src"
