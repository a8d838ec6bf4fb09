// Package relay turns one authenticated change notification into a
// document in the tenant's chat: resolve the newest item of the changed
// drive, download it to a scratch file, send it, remove the file.
package relay
