package sdo

// processIncoming steps the request side of the state machine by exactly
// one frame. It is the single entry point Process calls when Handle has
// recorded a new frame; every transfer type (expedited, segmented, block)
// flows through here before a response is prepared by processOutgoing.
func (s *SDOServer) processIncoming(rx SDOResponse) error {
	if rx.IsAbort() {
		s.errorExtraInfo = nil
		s.state = stateIdle
		return nil
	}

	switch s.state {
	case stateIdle:
		return s.processRequest(rx)
	case stateDownloadInitiateReq:
		return s.rxDownloadInitiate(rx)
	case stateDownloadSegmentReq:
		return s.rxDownloadSegment(rx)
	case stateUploadInitiateReq:
		return s.rxUploadInitiate(rx)
	case stateUploadSegmentReq:
		return s.rxUploadSegment(rx)
	case stateDownloadBlkInitiateReq:
		return s.rxDownloadBlockInitiate(rx)
	case stateDownloadBlkSubblockReq:
		return s.rxDownloadBlockSubBlock(rx)
	case stateDownloadBlkEndReq:
		return s.rxDownloadBlockEnd(rx)
	case stateUploadBlkInitiateReq:
		return s.rxUploadBlockInitiate(rx)
	case stateUploadBlkInitiateReq2:
		// Client confirms it is ready to receive the first sub-block (0xA3).
		if rx.raw[0] != 0xA3 {
			return AbortCmd
		}
		s.blockSequenceNb = 0
		s.state = stateUploadBlkSubblockSreq
		return nil
	case stateUploadBlkSubblockCrsp:
		return s.rxUploadSubBlock(rx)
	case stateUploadBlkEndCrsp:
		// Block upload end was the last frame on the wire, nothing more expected.
		s.state = stateIdle
		return nil
	default:
		return AbortCmd
	}
}

// processRequest classifies a brand new request (server was idle) from its
// client command specifier and dispatches to the matching initiate handler.
func (s *SDOServer) processRequest(rx SDOResponse) error {
	switch rx.raw[0] & 0xE0 {
	case 0x20: // initiate download
		s.state = stateDownloadInitiateReq
		s.toggle = 0
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxDownloadInitiate(rx)
	case 0x40: // initiate upload
		s.state = stateUploadInitiateReq
		s.toggle = 0
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxUploadInitiate(rx)
	case 0xA0: // block upload initiate
		s.state = stateUploadBlkInitiateReq
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxUploadBlockInitiate(rx)
	case 0xC0: // block download initiate
		s.state = stateDownloadBlkInitiateReq
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		return s.rxDownloadBlockInitiate(rx)
	default:
		return AbortCmd
	}
}
