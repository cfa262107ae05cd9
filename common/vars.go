package common

// PackageName identifies this service in metrics and logs.
const PackageName = "space-encryption-gateway"

// Version is set at build time via -ldflags.
var Version = "dev"
