package upstream

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"sniff/internal/models"
)

// Field numbers of the response wrapper and its nested messages.
const (
	fieldWrapperPayload  protowire.Number = 1
	fieldWrapperCommands protowire.Number = 2

	fieldCommandsDisplayError protowire.Number = 3

	fieldPayloadDetails  protowire.Number = 2
	fieldPayloadDelivery protowire.Number = 21

	fieldDetailsItem          protowire.Number = 4
	fieldDetailsFooterHTML    protowire.Number = 5
	fieldDetailsEnableReviews protowire.Number = 12

	fieldItemID                protowire.Number = 1
	fieldItemSubID             protowire.Number = 2
	fieldItemType              protowire.Number = 3
	fieldItemCategoryID        protowire.Number = 4
	fieldItemTitle             protowire.Number = 5
	fieldItemCreator           protowire.Number = 6
	fieldItemDescriptionHTML   protowire.Number = 7
	fieldItemOffer             protowire.Number = 8
	fieldItemDetails           protowire.Number = 13
	fieldItemPromotional       protowire.Number = 14
	fieldItemMature            protowire.Number = 15
	fieldItemPreregistration   protowire.Number = 18
	fieldItemForceShareability protowire.Number = 19
	fieldItemAppInfo           protowire.Number = 20

	fieldDocumentDetailsApp protowire.Number = 1

	fieldAppDeveloperName  protowire.Number = 1
	fieldAppVersionCode    protowire.Number = 3
	fieldAppVersionString  protowire.Number = 4
	fieldAppDownloadSize   protowire.Number = 9
	fieldAppDeveloperEmail protowire.Number = 11
	fieldAppDeveloperSite  protowire.Number = 12
	fieldAppInfoDownload   protowire.Number = 13
	fieldAppPackageName    protowire.Number = 14
	fieldAppRecentChanges  protowire.Number = 15
	fieldAppUpdatedOn      protowire.Number = 16
	fieldAppTargetSDK      protowire.Number = 17

	fieldOfferMicros          protowire.Number = 1
	fieldOfferCurrencyCode    protowire.Number = 2
	fieldOfferFormattedAmount protowire.Number = 3
	fieldOfferCheckoutFlow    protowire.Number = 5
	fieldOfferType            protowire.Number = 8

	fieldAppInfoSection      protowire.Number = 1
	fieldSectionLabel        protowire.Number = 1
	fieldSectionContainer    protowire.Number = 3
	fieldContainerDescriptor protowire.Number = 2

	fieldDeliveryStatus protowire.Number = 1
	fieldDeliveryData   protowire.Number = 2

	fieldDataDownloadURL    protowire.Number = 3
	fieldDataAdditionalFile protowire.Number = 4
	fieldDataSplit          protowire.Number = 15

	fieldFileType        protowire.Number = 1
	fieldFileVersionCode protowire.Number = 2
	fieldFileSize        protowire.Number = 3
	fieldFileDownloadURL protowire.Number = 4

	fieldSplitName        protowire.Number = 1
	fieldSplitSize        protowire.Number = 2
	fieldSplitDownloadURL protowire.Number = 5
)

// DeliveryStatusOK marks a delivery response that grants the download.
const DeliveryStatusOK = 1

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walk visits every field of one message level. It fails only when the
// encoding itself is broken; unknown fields are passed through.
func walk(b []byte, visit func(field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		visit(f)
	}
	return nil
}

func (f field) str() *string {
	if f.typ != protowire.BytesType || !utf8.Valid(f.bytes) {
		return nil
	}
	s := string(f.bytes)
	return &s
}

// int32 drops values that do not fit; negative int32 values arrive
// sign-extended to 64 bits.
func (f field) int32() *int32 {
	if f.typ != protowire.VarintType {
		return nil
	}
	wide := int64(f.varint)
	if wide < math.MinInt32 || wide > math.MaxInt32 {
		return nil
	}
	v := int32(wide)
	return &v
}

func (f field) int64() *int64 {
	if f.typ != protowire.VarintType {
		return nil
	}
	v := int64(f.varint)
	return &v
}

func (f field) bool() *bool {
	if f.typ != protowire.VarintType {
		return nil
	}
	v := protowire.DecodeBool(f.varint)
	return &v
}

// message returns the nested bytes of a length-delimited field that parses
// as a message, or nil.
func (f field) message() []byte {
	if f.typ != protowire.BytesType {
		return nil
	}
	if err := walk(f.bytes, func(field) {}); err != nil {
		return nil
	}
	return f.bytes
}

type envelope struct {
	payload      []byte
	hasPayload   bool
	displayError string
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	err := walk(body, func(f field) {
		switch f.num {
		case fieldWrapperPayload:
			if msg := f.message(); msg != nil {
				env.payload, env.hasPayload = msg, true
			}
		case fieldWrapperCommands:
			if msg := f.message(); msg != nil {
				_ = walk(msg, func(c field) {
					if c.num == fieldCommandsDisplayError {
						if s := c.str(); s != nil {
							env.displayError = *s
						}
					}
				})
			}
		}
	})
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// payloadField extracts one message from the wrapper payload. It returns
// ErrNotFound when the backend answered with a display error instead of a
// payload, and ErrMalformed when the expected message is missing.
func payloadField(body []byte, num protowire.Number) ([]byte, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if !env.hasPayload {
		if env.displayError != "" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, env.displayError)
		}
		return nil, fmt.Errorf("%w: wrapper has no payload", ErrMalformed)
	}
	var (
		msg   []byte
		found bool
	)
	_ = walk(env.payload, func(f field) {
		if f.num == num && f.typ == protowire.BytesType {
			msg, found = f.bytes, true
		}
	})
	if !found {
		return nil, fmt.Errorf("%w: payload missing field %d", ErrMalformed, num)
	}
	return msg, nil
}

// DecodeDetails parses a details response. Nested fields that fail to decode
// are left absent; only a broken wrapper is an error.
func DecodeDetails(body []byte) (models.DetailsDocument, error) {
	msg, err := payloadField(body, fieldPayloadDetails)
	if err != nil {
		return models.DetailsDocument{}, err
	}
	var doc models.DetailsDocument
	if err := walk(msg, func(f field) {
		switch f.num {
		case fieldDetailsItem:
			if m := f.message(); m != nil {
				doc.Item = decodeItem(m)
			}
		case fieldDetailsFooterHTML:
			doc.FooterHTML = f.str()
		case fieldDetailsEnableReviews:
			doc.EnableReviews = f.bool()
		}
	}); err != nil {
		return models.DetailsDocument{}, fmt.Errorf("%w: details response: %v", ErrMalformed, err)
	}
	return doc, nil
}

func decodeItem(b []byte) *models.Item {
	item := &models.Item{}
	_ = walk(b, func(f field) {
		switch f.num {
		case fieldItemID:
			item.ID = f.str()
		case fieldItemSubID:
			item.SubID = f.str()
		case fieldItemType:
			item.Type = f.int32()
		case fieldItemCategoryID:
			item.CategoryID = f.int32()
		case fieldItemTitle:
			item.Title = f.str()
		case fieldItemCreator:
			item.Creator = f.str()
		case fieldItemDescriptionHTML:
			item.DescriptionHTML = f.str()
		case fieldItemPromotional:
			item.PromotionalDescription = f.str()
		case fieldItemMature:
			item.Mature = f.bool()
		case fieldItemPreregistration:
			item.AvailableForPreregistration = f.bool()
		case fieldItemForceShareability:
			item.ForceShareability = f.bool()
		case fieldItemOffer:
			if m := f.message(); m != nil {
				item.Offer = append(item.Offer, decodeOffer(m))
			}
		case fieldItemDetails:
			if m := f.message(); m != nil {
				item.Details = decodeDocumentDetails(m)
			}
		case fieldItemAppInfo:
			if m := f.message(); m != nil {
				item.AppInfo = decodeAppInfo(m)
			}
		}
	})
	return item
}

func decodeOffer(b []byte) models.Offer {
	var offer models.Offer
	_ = walk(b, func(f field) {
		switch f.num {
		case fieldOfferMicros:
			offer.Micros = f.int64()
		case fieldOfferCurrencyCode:
			offer.CurrencyCode = f.str()
		case fieldOfferFormattedAmount:
			offer.FormattedAmount = f.str()
		case fieldOfferCheckoutFlow:
			offer.CheckoutFlowRequired = f.bool()
		case fieldOfferType:
			offer.OfferType = f.int32()
		}
	})
	return offer
}

func decodeDocumentDetails(b []byte) *models.DocumentDetails {
	details := &models.DocumentDetails{}
	_ = walk(b, func(f field) {
		if f.num == fieldDocumentDetailsApp {
			if m := f.message(); m != nil {
				details.AppDetails = decodeAppDetails(m)
			}
		}
	})
	return details
}

func decodeAppDetails(b []byte) *models.AppDetails {
	app := &models.AppDetails{}
	_ = walk(b, func(f field) {
		switch f.num {
		case fieldAppDeveloperName:
			app.DeveloperName = f.str()
		case fieldAppVersionCode:
			app.VersionCode = f.int32()
		case fieldAppVersionString:
			app.VersionString = f.str()
		case fieldAppDownloadSize:
			app.InfoDownloadSize = f.int64()
		case fieldAppDeveloperEmail:
			app.DeveloperEmail = f.str()
		case fieldAppDeveloperSite:
			app.DeveloperWebsite = f.str()
		case fieldAppInfoDownload:
			app.InfoDownload = f.str()
		case fieldAppPackageName:
			app.PackageName = f.str()
		case fieldAppRecentChanges:
			app.RecentChangesHTML = f.str()
		case fieldAppUpdatedOn:
			app.InfoUpdatedOn = f.str()
		case fieldAppTargetSDK:
			app.TargetSDKVersion = f.int32()
		}
	})
	return app
}

func decodeAppInfo(b []byte) *models.AppInfo {
	info := &models.AppInfo{}
	_ = walk(b, func(f field) {
		if f.num != fieldAppInfoSection {
			return
		}
		m := f.message()
		if m == nil {
			return
		}
		var section models.AppInfoSection
		_ = walk(m, func(sf field) {
			switch sf.num {
			case fieldSectionLabel:
				section.Label = sf.str()
			case fieldSectionContainer:
				if cm := sf.message(); cm != nil {
					container := &models.AppInfoContainer{}
					_ = walk(cm, func(cf field) {
						if cf.num == fieldContainerDescriptor {
							container.Description = cf.str()
						}
					})
					section.Container = container
				}
			}
		})
		info.Section = append(info.Section, section)
	})
	return info
}

// DecodeDelivery parses a delivery response for packageName at versionCode.
// The boolean is false when the backend did not grant the download.
func DecodeDelivery(body []byte, packageName string, versionCode int32) (models.DownloadBundle, bool, error) {
	msg, err := payloadField(body, fieldPayloadDelivery)
	if err != nil {
		return models.DownloadBundle{}, false, err
	}
	var (
		status    *int32
		data      []byte
		hasData   bool
		bundle    = models.DownloadBundle{VersionCode: versionCode}
		decodeErr error
	)
	decodeErr = walk(msg, func(f field) {
		switch f.num {
		case fieldDeliveryStatus:
			status = f.int32()
		case fieldDeliveryData:
			if m := f.message(); m != nil {
				data, hasData = m, true
			}
		}
	})
	if decodeErr != nil {
		return models.DownloadBundle{}, false, fmt.Errorf("%w: delivery response: %v", ErrMalformed, decodeErr)
	}
	if (status != nil && *status != DeliveryStatusOK) || !hasData {
		return models.DownloadBundle{}, false, nil
	}
	_ = walk(data, func(f field) {
		switch f.num {
		case fieldDataDownloadURL:
			if s := f.str(); s != nil && *s != "" {
				bundle.MainAPKURL = s
			}
		case fieldDataSplit:
			if m := f.message(); m != nil {
				if split, ok := decodeSplit(m); ok {
					bundle.Splits = append(bundle.Splits, split)
				}
			}
		case fieldDataAdditionalFile:
			if m := f.message(); m != nil {
				if file, ok := decodeAdditionalFile(m, packageName, versionCode); ok {
					bundle.AdditionalFiles = append(bundle.AdditionalFiles, file)
				}
			}
		}
	})
	return bundle, true, nil
}

func decodeSplit(b []byte) (models.SplitFile, bool) {
	var split models.SplitFile
	_ = walk(b, func(f field) {
		switch f.num {
		case fieldSplitName:
			if s := f.str(); s != nil {
				split.Name = *s
			}
		case fieldSplitDownloadURL:
			if s := f.str(); s != nil {
				split.DownloadURL = *s
			}
		}
	})
	return split, split.DownloadURL != ""
}

func decodeAdditionalFile(b []byte, packageName string, versionCode int32) (models.AdditionalFile, bool) {
	var (
		fileType int32
		fileVC   = versionCode
		file     models.AdditionalFile
	)
	_ = walk(b, func(f field) {
		switch f.num {
		case fieldFileType:
			if v := f.int32(); v != nil {
				fileType = *v
			}
		case fieldFileVersionCode:
			if v := f.int32(); v != nil && *v > 0 {
				fileVC = *v
			}
		case fieldFileDownloadURL:
			if s := f.str(); s != nil {
				file.DownloadURL = *s
			}
		}
	})
	kind := "main"
	if fileType == 1 {
		kind = "patch"
	}
	file.Filename = fmt.Sprintf("%s.%d.%s.obb", kind, fileVC, packageName)
	return file, file.DownloadURL != ""
}
