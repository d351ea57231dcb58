// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

// Package codec translates between the WebSocket text messages spoken by a
// debugger frontend and the framed byte stream of an on-device inspector.
//
// # Wire Format
//
// Every backend frame is a 4-byte big-endian payload length followed by that
// many bytes of UTF-16LE text:
//
//	+--------+--------+--------+--------+------------------------+
//	|          length (uint32, BE)      |  payload (UTF-16LE)    |
//	+--------+--------+--------+--------+------------------------+
//
// Frames may arrive split across any number of reads, or several may arrive
// in one read. Decoder and Reader buffer partial frames until they complete.
//
// # Example
//
//	r := codec.NewReader(backend)
//	for {
//		msg, err := r.ReadMessage()
//		if err != nil {
//			return err
//		}
//		ws.WriteMessage(websocket.TextMessage, []byte(msg))
//	}
package codec
