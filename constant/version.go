package constant

// Version is set at build time with -ldflags "-X ...constant.Version=".
var Version = "dev"
