package internal

// Version is reported by the health endpoint and the client header.
const Version = "0.3.1"
