package internal

// Version is the current release of pocketchat.
const Version = "0.3.0"

// UserAgent identifies the client on REST calls.
const UserAgent = "pocketchat/" + Version
