// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// messageType returns the type tag of a datagram. The tag is a little-endian
// u32 whose upper three bytes must be zero.
func messageType(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: datagram too short: %d bytes", ErrMalformed, len(data))
	}
	if data[1]|data[2]|data[3] != 0 {
		return 0, fmt.Errorf("%w: reserved type bytes set", ErrMalformed)
	}
	return uint32(data[0]), nil
}

// decodeMessageInitiation deserializes a handshake initiation message.
func decodeMessageInitiation(data []byte) (*MessageInitiation, error) {
	if len(data) != MessageInitiationSize {
		return nil, fmt.Errorf("%w: initiation size %d (expected %d)", ErrMalformed, len(data), MessageInitiationSize)
	}

	var msg MessageInitiation
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode initiation: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// encodeMessageInitiation serializes a handshake initiation message.
func encodeMessageInitiation(msg *MessageInitiation) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, MessageInitiationSize))
	_ = binary.Write(buf, binary.LittleEndian, msg)
	return buf.Bytes()
}

// decodeMessageResponse deserializes a handshake response message.
func decodeMessageResponse(data []byte) (*MessageResponse, error) {
	if len(data) != MessageResponseSize {
		return nil, fmt.Errorf("%w: response size %d (expected %d)", ErrMalformed, len(data), MessageResponseSize)
	}

	var msg MessageResponse
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// encodeMessageResponse serializes a handshake response message.
func encodeMessageResponse(msg *MessageResponse) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, MessageResponseSize))
	_ = binary.Write(buf, binary.LittleEndian, msg)
	return buf.Bytes()
}

// decodeMessageCookieReply deserializes a cookie reply message.
func decodeMessageCookieReply(data []byte) (*MessageCookieReply, error) {
	if len(data) != MessageCookieReplySize {
		return nil, fmt.Errorf("%w: cookie reply size %d (expected %d)", ErrMalformed, len(data), MessageCookieReplySize)
	}

	var msg MessageCookieReply
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode cookie reply: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// decodeMessageTransport splits a transport message header from its
// ciphertext. Content aliases data.
func decodeMessageTransport(data []byte) (*MessageTransport, error) {
	if len(data) < MessageTransportSize {
		return nil, fmt.Errorf("%w: transport size %d (minimum %d)", ErrMalformed, len(data), MessageTransportSize)
	}
	return &MessageTransport{
		Type:     binary.LittleEndian.Uint32(data[0:4]),
		Receiver: binary.LittleEndian.Uint32(data[MessageTransportOffsetReceiver:MessageTransportOffsetCounter]),
		Counter:  binary.LittleEndian.Uint64(data[MessageTransportOffsetCounter:MessageTransportOffsetContent]),
		Content:  data[MessageTransportOffsetContent:],
	}, nil
}

// putTransportHeader writes the 16-byte transport header into dst.
func putTransportHeader(dst []byte, receiver uint32, counter uint64) {
	binary.LittleEndian.PutUint32(dst[0:4], MessageTransportType)
	binary.LittleEndian.PutUint32(dst[MessageTransportOffsetReceiver:MessageTransportOffsetCounter], receiver)
	binary.LittleEndian.PutUint64(dst[MessageTransportOffsetCounter:MessageTransportOffsetContent], counter)
}
