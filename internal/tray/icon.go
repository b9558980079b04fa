//go:build !linux

package tray

// iconData is a 1x1 placeholder PNG until proper artwork lands.
// TODO: replace with the real tray icon once design delivers it.
var iconData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, // PNG signature
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52, // IHDR
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41, // IDAT
	0x54, 0x78, 0x9c, 0x62, 0x64, 0x60, 0xf8, 0xff,
	0x1f, 0x00, 0x00, 0x05, 0x00, 0x01, 0xaa, 0xd5,
	0xc8, 0xdb, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, // IEND
	0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
