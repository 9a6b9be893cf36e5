package wire

import "strconv"

// HelpText is the response to the HELP command.
var HelpText = []byte(`Welcome to Pixelflut!

Commands:
    HELP                -> get this information page
    SIZE                -> get the size of the canvas
    OFFSET <x> <y>      -> apply an offset to all following PX commands
    PX <x> <y>          -> get the color of pixel (x, y)
    PX <x> <y> <COLOR>  -> set the color of pixel (x, y)

    COLOR:
        Grayscale: ww          ("00"       black .. "ff"       white)
        RGB:       rrggbb      ("000000"   black .. "ffffff"   white)
        RGBA:      rrggbbaa    (rgb with alpha)

Example:
    "PX 420 69 ff\n"       -> set the color of pixel at (420, 69) to white
    "PX 420 69 00ffff\n"   -> set the color of pixel at (420, 69) to cyan
    "PX 420 69 ffff007f\n" -> blend the color of pixel at (420, 69) with yellow (alpha 127)
`)

const hexDigits = "0123456789abcdef"

// AppendSize appends a "SIZE <W> <H>\n" response.
func AppendSize(dst []byte, width, height uint32) []byte {
	dst = append(dst, "SIZE "...)
	dst = strconv.AppendUint(dst, uint64(width), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(height), 10)
	return append(dst, '\n')
}

// AppendPixel appends a "PX <x> <y> <rrggbb>\n" response with six lowercase
// hex digits and no alpha.
func AppendPixel(dst []byte, x, y, rgb uint32) []byte {
	dst = append(dst, "PX "...)
	dst = strconv.AppendUint(dst, uint64(x), 10)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(y), 10)
	dst = append(dst, ' ')
	for shift := 20; shift >= 0; shift -= 4 {
		dst = append(dst, hexDigits[(rgb>>shift)&0xf])
	}
	return append(dst, '\n')
}

// AppendError appends an "ERROR <reason>\n" diagnostic line.
func AppendError(dst []byte, reason string) []byte {
	dst = append(dst, "ERROR "...)
	dst = append(dst, reason...)
	return append(dst, '\n')
}
