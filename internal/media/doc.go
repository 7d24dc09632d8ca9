// Package media is the upload boundary for message attachments.
//
// The relay treats media as opaque: Upload takes bytes and returns a URL that
// is stored on the message and forwarded to the webhook. DiskUploader is the
// built-in implementation; the gateway serves its directory under /media/.
package media
