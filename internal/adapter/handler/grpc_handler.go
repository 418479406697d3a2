package handler

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/port"
)

const (
	SettleMethod = "/retail.v1.SettlementService/Settle"
	// PrimaryHealthService reports whether admission is counting in the primary store.
	PrimaryHealthService = "admission.primary"
)

type SettlementServer interface {
	Settle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var settlementServiceDesc = grpc.ServiceDesc{
	ServiceName: "retail.v1.SettlementService",
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Settle", Handler: settleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "retail/v1/settlement.proto",
}

func RegisterSettlementServer(s grpc.ServiceRegistrar, srv SettlementServer) {
	s.RegisterService(&settlementServiceDesc, srv)
}

func settleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SettlementServer).Settle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SettleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SettlementServer).Settle(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type SettlementClient struct {
	cc grpc.ClientConnInterface
}

func NewSettlementClient(cc grpc.ClientConnInterface) *SettlementClient {
	return &SettlementClient{cc: cc}
}

func (c *SettlementClient) Settle(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SettleMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	settler Settler
	logger  *zap.Logger
}

func NewGRPCHandler(settler Settler, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{settler: settler, logger: logger}
}

func (h *GRPCHandler) Settle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := ClaimsFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing session")
	}
	if claims.TenantID == "" || !claims.Role.AtLeast(domain.RoleVendeur) {
		return nil, status.Error(codes.PermissionDenied, "insufficient permissions")
	}

	lines, err := basketFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var ip string
	if p, ok := peer.FromContext(ctx); ok {
		ip = hostOnly(p.Addr.String())
	}

	res, err := h.settler.Settle(ctx, domain.SettleRequest{
		TenantID: claims.TenantID,
		ActorID:  claims.UserID,
		ClientIP: ip,
		Items:    lines,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	items := make([]any, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, map[string]any{
			"id":             it.ItemID,
			"productId":      it.ProductID,
			"quantity":       it.Quantity,
			"unitPrice":      it.UnitPrice.StringFixed(2),
			"remainingStock": it.RemainingStock,
		})
	}
	out, err := structpb.NewStruct(map[string]any{
		"saleId":      res.SaleID,
		"totalAmount": res.TotalAmount.StringFixed(2),
		"items":       items,
	})
	if err != nil {
		h.logger.Error("encode settle response", zap.Error(err))
		return nil, status.Error(codes.Internal, internalMessage)
	}
	return out, nil
}

func basketFromStruct(req *structpb.Struct) ([]domain.BasketLine, error) {
	list := req.GetFields()["items"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: items must be a list", domain.ErrInvalidBasket)
	}
	lines := make([]domain.BasketLine, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		item := v.GetStructValue()
		if item == nil {
			return nil, fmt.Errorf("%w: item %d must be an object", domain.ErrInvalidBasket, i)
		}
		qty := item.GetFields()["quantity"].GetNumberValue()
		if qty != math.Trunc(qty) {
			return nil, fmt.Errorf("%w: item %d quantity must be an integer", domain.ErrInvalidBasket, i)
		}
		// int conversion of an out-of-range float is implementation-defined
		if qty > math.MaxInt32 || qty < math.MinInt32 {
			return nil, fmt.Errorf("%w: item %d quantity out of range", domain.ErrInvalidBasket, i)
		}
		lines = append(lines, domain.BasketLine{
			ProductID: item.GetFields()["productId"].GetStringValue(),
			Quantity:  int(qty),
		})
	}
	return lines, nil
}

func toStatus(err error) error {
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.KindProductNotFound:
		return status.Error(codes.NotFound, err.Error())
	case domain.KindInsufficientStock:
		return status.Error(codes.FailedPrecondition, err.Error())
	case domain.KindUnauthenticated:
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.Internal, internalMessage)
	}
}

// AdmissionInterceptor spends one unit of the general budget per call, keyed by peer address.
func AdmissionInterceptor(admitter Admitter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isHealthMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		key := "unknown"
		if p, ok := peer.FromContext(ctx); ok {
			key = hostOnly(p.Addr.String())
		}
		d := admitter.Admit(ctx, key, domain.RouteClassGeneral)
		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.Itoa(secs)))
			return nil, status.Error(codes.ResourceExhausted, deniedMessages[domain.RouteClassGeneral])
		}
		return handler(ctx, req)
	}
}

// AuthInterceptor verifies the bearer token in the authorization metadata.
func AuthInterceptor(verifier port.CredentialVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isHealthMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var token string
		if vals := md.Get("authorization"); len(vals) > 0 {
			token = strings.TrimSpace(strings.TrimPrefix(vals[0], "Bearer "))
		}
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "no token provided")
		}
		claims, err := verifier.Verify(ctx, token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(withClaims(ctx, claims), req)
	}
}

// SetPrimaryServing mirrors the primary counter store state into the health service.
func SetPrimaryServing(hs *health.Server, up bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(PrimaryHealthService, st)
}

func isHealthMethod(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
